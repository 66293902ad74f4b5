// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/gomlx/distrain/pkg/ml/optimizers"
	"github.com/gomlx/distrain/pkg/ml/optimizers/schedules"
	"github.com/gomlx/distrain/pkg/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newOptimizer(t *testing.T, m train.Model) (optimizers.Interface, schedules.Interface) {
	opt, err := optimizers.New("sgd", m.Parameters(), optimizers.Config{LearningRate: 0.1})
	require.NoError(t, err)
	sched, err := schedules.New("constant", opt, schedules.Config{MaxLearningRate: 0.1, TotalTicks: 100})
	require.NoError(t, err)
	return opt, sched
}

func TestEpochRunner(t *testing.T) {
	ctx := context.Background()
	ch := collective.NewLocalGroup(1)[0]
	m := newScriptedModel(1, 2, 3)
	opt, sched := newOptimizer(t, m)
	source := &fixedSource{numBatches: 5}
	state := train.State{Epoch: 7, GlobalStep: 70, BestScore: math.Inf(1)}

	var steps []train.StepInfo
	runner := &train.EpochRunner{Window: 2, OnStep: func(info train.StepInfo) error {
		steps = append(steps, info)
		return nil
	}}
	summary, err := runner.Run(ctx, &state, m, opt, sched, source, ch)
	require.NoError(t, err)

	// Data order comes from the epoch being run.
	assert.Equal(t, []int{7}, source.epochs)
	assert.Equal(t, 8, state.Epoch)
	// 5 batches with a window of 2: 2 steps, the 5th batch is a partial window and is not stepped.
	assert.Equal(t, int64(72), state.GlobalStep)
	assert.Equal(t, 2, sched.Ticks())
	assert.Equal(t, 5, summary.Batches)
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5, 0.5}, m.scales)
	// Its gradients were discarded.
	assert.Equal(t, []float64{0}, m.param.Grad)

	require.Len(t, steps, 2)
	assert.Equal(t, int64(71), steps[0].GlobalStep)
	assert.InDelta(t, 1.5, steps[0].Loss, 1e-12)
	assert.InDelta(t, 2.0, steps[1].Loss, 1e-12)
	assert.Equal(t, 2, steps[1].MicroBatches)
	assert.InDelta(t, 1.75, summary.MeanLoss, 1e-12)
	assert.Equal(t, []bool{true}, m.training)
	// Each step applied a gradient of 1 (2 micro-batches scaled by 1/2) with lr=0.1.
	assert.InDelta(t, -0.2, m.param.Value[0], 1e-12)
}

func TestEpochRunnerEmptyAndNonFinite(t *testing.T) {
	ctx := context.Background()
	ch := collective.NewLocalGroup(1)[0]
	m := newScriptedModel(1)
	opt, sched := newOptimizer(t, m)
	state := train.NewState()
	runner := &train.EpochRunner{Window: 1}
	summary, err := runner.Run(ctx, &state, m, opt, sched, &fixedSource{}, ch)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Epoch)
	assert.Equal(t, int64(0), state.GlobalStep)
	assert.True(t, math.IsNaN(summary.MeanLoss))

	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		m := newScriptedModel(1, bad)
		opt, sched := newOptimizer(t, m)
		state := train.NewState()
		_, err = runner.Run(ctx, &state, m, opt, sched, &fixedSource{numBatches: 3}, ch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loss of batch 1")
		assert.Equal(t, 0, state.Epoch)
	}
}

func TestValidator(t *testing.T) {
	ctx := context.Background()

	// Nil or empty sources are a no-op.
	ch := collective.NewLocalGroup(1)[0]
	v := &train.Validator{SaveBest: func(context.Context) error {
		t.Fatal("unexpected save")
		return nil
	}}
	state := train.NewState()
	result, err := v.Run(ctx, &state, newScriptedModel(1), nil, ch)
	require.NoError(t, err)
	assert.Equal(t, train.ValidationResult{}, result)
	_, err = v.Run(ctx, &state, newScriptedModel(1), &fixedSource{}, ch)
	require.NoError(t, err)
	assert.True(t, math.IsInf(state.BestScore, 1))

	// Two ranks: per-batch losses averaged over ranks are [0.4, 0.6], so the validation loss is 0.5.
	const world = 2
	channels := collective.NewLocalGroup(world)
	scripts := [][]float64{{0.3, 0.5}, {0.5, 0.7}}
	results := make([]train.ValidationResult, world)
	states := make([]train.State, world)
	saves := make([]int, world)
	var g errgroup.Group
	for rank := range world {
		g.Go(func() error {
			m := newScriptedModel(scripts[rank]...)
			v := &train.Validator{SaveBest: func(context.Context) error {
				saves[rank]++
				return nil
			}}
			states[rank] = train.NewState()
			var err error
			results[rank], err = v.Run(ctx, &states[rank], m, &fixedSource{numBatches: 2}, channels[rank])
			if err != nil {
				return err
			}
			if !assert.Equal(t, []bool{false, true}, m.training) {
				return errors.New("model not put in evaluation mode")
			}

			// Equal to the best score is not an improvement.
			_, err = v.Run(ctx, &states[rank], m, &fixedSource{numBatches: 2}, channels[rank])
			return err
		})
	}
	require.NoError(t, g.Wait())
	for rank := range world {
		assert.InDelta(t, 0.5, results[rank].Loss, 1e-12)
		assert.True(t, results[rank].Improved)
		assert.Equal(t, 2, results[rank].Batches)
		assert.InDelta(t, 0.5, states[rank].BestScore, 1e-12)
		assert.Equal(t, 1, saves[rank])
	}
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&train.StageError{Rank: 1, Stage: train.StageEpoch, Epoch: 3, Err: cause})
	assert.Equal(t, "rank 1: epoch 3: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	stageErr, ok := train.AsStageError(errors.WithMessage(err, "wrapped"))
	require.True(t, ok)
	assert.Equal(t, train.StageEpoch, stageErr.Stage)

	err = &train.StageError{Rank: 0, Stage: train.StageResume, Err: cause}
	assert.Equal(t, "rank 0: resume: boom", err.Error())
	assert.Equal(t, "teardown", train.StageTeardown.String())
}
