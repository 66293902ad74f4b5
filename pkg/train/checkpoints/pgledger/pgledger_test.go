// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgledger

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DSNEnv is the environment variable with the DSN of a test database. Tests using it are skipped if it is not set.
const DSNEnv = "DISTRAIN_TEST_POSTGRES_DSN"

func openTestLedger(t *testing.T) *Ledger {
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", DSNEnv)
	}
	l, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	runID := uuid.NewString()
	created := time.Now().UTC().Truncate(time.Millisecond)

	records := []checkpoints.Record{
		{RunID: runID, Tag: "checkpoint_0001", Location: "/tmp/ckpt", Epoch: 1, GlobalStep: 10, BestScore: math.Inf(1), Bytes: 100, CreatedAt: created},
		{RunID: runID, Tag: "best", Location: "/tmp/ckpt", Epoch: 2, GlobalStep: 20, BestScore: 0.5, Bytes: 120, CreatedAt: created.Add(time.Second)},
		{RunID: runID, Tag: "best", Location: "/tmp/ckpt", Epoch: 3, GlobalStep: 30, BestScore: 0.25, Bytes: 130, CreatedAt: created.Add(2 * time.Second)},
	}
	for _, r := range records {
		require.NoError(t, l.Record(ctx, r))
	}

	got, err := l.List(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "checkpoint_0001", got[0].Tag)
	assert.True(t, math.IsInf(got[0].BestScore, 1))
	assert.Equal(t, "best", got[1].Tag)
	assert.Equal(t, 3, got[1].Epoch)
	assert.Equal(t, int64(30), got[1].GlobalStep)
	assert.Equal(t, 0.25, got[1].BestScore)
	assert.True(t, records[2].CreatedAt.Equal(got[1].CreatedAt))

	empty, err := l.List(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenInvalid(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Open(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}
