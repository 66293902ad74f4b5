// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math"
	"time"

	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/gomlx/distrain/pkg/ml/optimizers"
	"github.com/gomlx/distrain/pkg/ml/optimizers/schedules"
	"github.com/gomlx/distrain/pkg/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EpochRunner runs one training epoch with gradient accumulation.
type EpochRunner struct {
	// Window is the number of micro-batches accumulated per optimizer step (grad_accum_steps).
	Window int

	// ClipNorm is the maximum global gradient norm. 0 disables clipping.
	ClipNorm float64

	// OnStep, if set, is called after every optimizer step.
	OnStep func(info StepInfo) error
}

// Run trains for one epoch, the one given by state.Epoch, and increments state.Epoch.
//
// Each micro-batch loss is back-propagated scaled by 1/Window. At every accumulation boundary the summed loss of
// the window is reduced across ranks (for reporting only), gradients are averaged across ranks if the model is
// DataParallel, clipped, and the optimizer steps, the gradients are zeroed, the schedule ticks and
// state.GlobalStep is incremented.
//
// A trailing partial window is not stepped: its gradients are discarded.
//
// The schedule may be nil. A non-finite loss is an error.
func (r *EpochRunner) Run(ctx context.Context, state *State, model Model, opt optimizers.Interface,
	sched schedules.Interface, source DataSource, ch collective.Channel) (EpochSummary, error) {
	if r.Window <= 0 {
		return EpochSummary{}, errors.Errorf("accumulation window must be > 0, got %d", r.Window)
	}
	start := time.Now()
	lastStep := start
	summary := EpochSummary{Epoch: state.Epoch, MeanLoss: math.NaN()}
	model.SetTraining(true)
	opt.ZeroGrad()

	scale := 1.0 / float64(r.Window)
	var running, lossSum float64
	var microBatches int
	for batch, err := range source.Epoch(ctx, state.Epoch) {
		if err != nil {
			return summary, errors.WithMessagef(err, "reading batch %d", summary.Batches)
		}
		loss, err := model.Forward(ctx, batch)
		if err != nil {
			return summary, errors.WithMessagef(err, "forward pass of batch %d", summary.Batches)
		}
		value := loss.Value()
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return summary, errors.Errorf("loss of batch %d is %g, training interrupted", summary.Batches, value)
		}
		if err := loss.Backward(scale); err != nil {
			return summary, errors.WithMessagef(err, "backward pass of batch %d", summary.Batches)
		}
		running += value
		microBatches++
		summary.Batches++
		if summary.Batches%r.Window != 0 {
			continue
		}

		// Accumulation boundary.
		reduced, err := ch.ReduceSum(ctx, running)
		if err != nil {
			return summary, errors.WithMessagef(err, "reducing the loss of step %d", state.GlobalStep)
		}
		meanLoss := reduced / float64(microBatches*ch.WorldSize())
		if ch.Rank() == 0 {
			klog.Infof("Epoch %d Step %d Loss: %.4f", state.Epoch, state.GlobalStep, meanLoss)
		}
		if dp, ok := model.(DataParallel); ok {
			if err := dp.AllReduceGradients(ctx, ch); err != nil {
				return summary, errors.WithMessagef(err, "averaging gradients of step %d", state.GlobalStep)
			}
		}
		gradNorm := params.ClipGradNorm(model.Parameters(), r.ClipNorm)
		lr := opt.LearningRate()
		if err := opt.Step(); err != nil {
			return summary, errors.WithMessagef(err, "optimizer step %d", state.GlobalStep)
		}
		opt.ZeroGrad()
		if sched != nil {
			if err := sched.Tick(); err != nil {
				return summary, errors.WithMessagef(err, "schedule at step %d", state.GlobalStep)
			}
		}
		state.GlobalStep++
		summary.Steps++
		lossSum += meanLoss

		now := time.Now()
		info := StepInfo{
			Epoch:        state.Epoch,
			GlobalStep:   state.GlobalStep,
			Loss:         meanLoss,
			GradNorm:     gradNorm,
			LearningRate: lr,
			MicroBatches: microBatches,
			Duration:     now.Sub(lastStep),
		}
		lastStep = now
		running, microBatches = 0, 0
		if r.OnStep != nil {
			if err := r.OnStep(info); err != nil {
				return summary, err
			}
		}
	}
	if microBatches > 0 {
		klog.V(1).Infof("epoch %d: discarding the gradients of a partial window of %d micro-batches", state.Epoch, microBatches)
		opt.ZeroGrad()
	}
	if err := ctx.Err(); err != nil {
		return summary, errors.Wrapf(err, "epoch %d interrupted", state.Epoch)
	}
	if summary.Steps > 0 {
		summary.MeanLoss = lossSum / float64(summary.Steps)
	}
	summary.Duration = time.Since(start)
	state.Epoch++
	return summary, nil
}
