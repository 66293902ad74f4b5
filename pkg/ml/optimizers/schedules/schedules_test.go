// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedules

import (
	"testing"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lrRecorder struct{ lr float64 }

func (r *lrRecorder) SetLearningRate(lr float64) { r.lr = lr }

func TestNew(t *testing.T) {
	_, err := New("warmup_linear", &lrRecorder{}, Config{MaxLearningRate: 1, TotalTicks: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrUnsupportedCapability))

	_, err = New("cosine", &lrRecorder{}, Config{MaxLearningRate: 0, TotalTicks: 10})
	assert.True(t, errors.Is(err, faults.ErrConfiguration))

	// Zero total ticks is accepted: the run just doesn't step.
	s, err := New("OneCycle", &lrRecorder{}, Config{MaxLearningRate: 1, TotalTicks: 0})
	require.NoError(t, err)
	assert.Equal(t, "onecycle", s.Kind())
}

func TestConstant(t *testing.T) {
	target := &lrRecorder{}
	s, err := New("constant", target, Config{MaxLearningRate: 0.5, TotalTicks: 2})
	require.NoError(t, err)
	assert.Equal(t, 0.5, target.lr)
	require.NoError(t, s.Tick())
	require.NoError(t, s.Tick())
	assert.Equal(t, 2, s.Ticks())
	assert.Error(t, s.Tick(), "ticking past the total is an error")
}

func TestOneCycle(t *testing.T) {
	const maxLR, total = 1.0, 100
	target := &lrRecorder{}
	s, err := New("onecycle", target, Config{MaxLearningRate: maxLR, TotalTicks: total})
	require.NoError(t, err)
	assert.InDelta(t, maxLR/25, target.lr, 1e-12, "starts at max/25")

	lrs := []float64{target.lr}
	for range total - 1 {
		require.NoError(t, s.Tick())
		lrs = append(lrs, target.lr)
	}
	// Peak at the end of the warm-up (tick 29), then annealing to max/25/1e4 at the last tick.
	assert.InDelta(t, maxLR, lrs[29], 1e-12)
	assert.InDelta(t, maxLR/25/1e4, lrs[total-1], 1e-12)
	assert.IsIncreasing(t, lrs[:30])
	assert.IsDecreasing(t, lrs[29:])
}

func TestCosine(t *testing.T) {
	target := &lrRecorder{}
	s, err := New("cosine", target, Config{MaxLearningRate: 2, TotalTicks: 4})
	require.NoError(t, err)
	assert.Equal(t, 2.0, target.lr)
	require.NoError(t, s.Tick())
	require.NoError(t, s.Tick())
	assert.InDelta(t, (2+2e-3)/2, target.lr, 1e-12, "half way")
	require.NoError(t, s.Tick())
	require.NoError(t, s.Tick())
	assert.InDelta(t, 2e-3, target.lr, 1e-12)
}

func TestSnapshot(t *testing.T) {
	target := &lrRecorder{}
	s, err := New("onecycle", target, Config{MaxLearningRate: 1, TotalTicks: 50})
	require.NoError(t, err)
	for range 17 {
		require.NoError(t, s.Tick())
	}
	blob, err := s.Snapshot()
	require.NoError(t, err)

	other := &lrRecorder{}
	restored, err := New("onecycle", other, Config{MaxLearningRate: 1, TotalTicks: 50})
	require.NoError(t, err)
	require.NoError(t, restored.LoadSnapshot(blob))
	assert.Equal(t, 17, restored.Ticks())
	assert.Equal(t, target.lr, other.lr)

	cosine, err := New("cosine", other, Config{MaxLearningRate: 1, TotalTicks: 50})
	require.NoError(t, err)
	err = cosine.LoadSnapshot(blob)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}
