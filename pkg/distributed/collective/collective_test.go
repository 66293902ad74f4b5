// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/gomlx/distrain/pkg/distributed"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runRanks runs fn concurrently for every channel and waits for all of them.
func runRanks(t *testing.T, channels []Channel, fn func(ctx context.Context, ch Channel) error) {
	t.Helper()
	g, ctx := errgroup.WithContext(context.Background())
	for _, ch := range channels {
		g.Go(func() error { return fn(ctx, ch) })
	}
	require.NoError(t, g.Wait())
}

// exerciseGroup runs the same sequence of operations on every rank and checks the results.
func exerciseGroup(t *testing.T, channels []Channel) {
	worldSize := len(channels)
	runRanks(t, channels, func(ctx context.Context, ch Channel) error {
		rank := ch.Rank()

		// Validation losses of the classic two rank example generalize to rank-dependent values.
		sum, err := ch.ReduceSum(ctx, 0.4+0.2*float64(rank))
		if err != nil {
			return err
		}
		expected := 0.0
		for r := range worldSize {
			expected += 0.4 + 0.2*float64(r)
		}
		if !assert.InDelta(t, expected, sum, 1e-12) {
			return errors.New("bad sum")
		}

		values, err := ch.AllReduce(ctx, []float64{float64(rank), -float64(rank)}, ReduceMax)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{float64(worldSize - 1), 0}, values)

		// Broadcast of control-plane counters, including an infinite best score.
		var payload []float64
		if rank == 0 {
			payload = []float64{3, 30, math.Inf(1)}
		}
		got, err := ch.Broadcast(ctx, payload, 0)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{3, 30, math.Inf(1)}, got)
		return nil
	})
}

func TestLocalGroup(t *testing.T) {
	channels := NewLocalGroup(3)
	for rank, ch := range channels {
		assert.Equal(t, rank, ch.Rank())
		assert.Equal(t, 3, ch.WorldSize())
	}
	exerciseGroup(t, channels)
	for _, ch := range channels {
		require.NoError(t, ch.Close())
	}
}

func TestReduceSumIsIndependentOfArrivalOrder(t *testing.T) {
	// Rank 1 arrives well before rank 0: the hub still sums in rank order.
	channels := NewLocalGroup(2)
	results := make([]float64, 2)
	runRanks(t, channels, func(ctx context.Context, ch Channel) error {
		if ch.Rank() == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		var err error
		results[ch.Rank()], err = ch.ReduceSum(ctx, []float64{0.1, 0.7}[ch.Rank()])
		return err
	})
	assert.Equal(t, 0.1+0.7, results[0])
	assert.Equal(t, results[0], results[1])
}

func TestMismatch(t *testing.T) {
	channels := NewLocalGroup(2)
	errs := make([]error, 2)
	runRanks(t, channels, func(ctx context.Context, ch Channel) error {
		if ch.Rank() == 0 {
			_, errs[0] = ch.ReduceSum(ctx, 1)
		} else {
			_, errs[1] = ch.Broadcast(ctx, nil, 0)
		}
		return nil
	})
	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMismatch), "got %v", err)
	}
}

func TestCloseReleasesBlockedRanks(t *testing.T) {
	channels := NewLocalGroup(2)
	done := make(chan error, 1)
	go func() {
		_, err := channels[1].ReduceSum(context.Background(), 1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, channels[0].Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("rank 1 was not released by Close")
	}
	_, err := channels[0].ReduceSum(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestWithTimeout(t *testing.T) {
	channels := NewLocalGroup(2)
	ch := WithTimeout(channels[0], 20*time.Millisecond)
	_, err := ch.ReduceSum(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrCollectiveTimeout), "got %v", err)
	assert.Same(t, channels[1], WithTimeout(channels[1], 0))
}

func TestOpen(t *testing.T) {
	env, err := distributed.New(0, 1)
	require.NoError(t, err)
	ch, err := Open("local", env)
	require.NoError(t, err)
	sum, err := ch.ReduceSum(context.Background(), 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, sum)
	require.NoError(t, ch.Close())

	_, err = Open("nccl", env)
	assert.True(t, errors.Is(err, faults.ErrUnsupportedCapability))

	env2, err := distributed.New(0, 2)
	require.NoError(t, err)
	_, err = Open("local", env2)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestGRPC(t *testing.T) {
	const worldSize = 3
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	channels := make([]Channel, worldSize)
	channels[0], err = ServeGRPC(lis, worldSize)
	require.NoError(t, err)
	for rank := 1; rank < worldSize; rank++ {
		channels[rank], err = DialGRPC(lis.Addr().String(), rank, worldSize)
		require.NoError(t, err)
	}
	exerciseGroup(t, channels)

	// Clients close first, then the host.
	for _, ch := range channels[1:] {
		require.NoError(t, ch.Close())
	}
	require.NoError(t, channels[0].Close())
}

func TestGRPCWorldSizeMismatch(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, err := ServeGRPC(lis, 2)
	require.NoError(t, err)
	defer func() { _ = host.Close() }()
	client, err := DialGRPC(lis.Addr().String(), 1, 3)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.ReduceSum(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration), "got %v", err)
}
