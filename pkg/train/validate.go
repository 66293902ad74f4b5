// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math"

	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Validator evaluates the model on a validation source and keeps track of the best score.
type Validator struct {
	// SaveBest, if set, is called on every rank when the validation loss improves the best score, after
	// State.BestScore was updated.
	SaveBest func(ctx context.Context) error
}

// Run computes the validation loss: for every batch the loss is averaged over the ranks, and the result is the
// mean over the batches. If it is strictly lower than state.BestScore it becomes the new best score, and
// SaveBest is called.
//
// A nil or empty source is a no-op, and returns a zero ValidationResult.
func (v *Validator) Run(ctx context.Context, state *State, model Model, source DataSource, ch collective.Channel) (ValidationResult, error) {
	if source == nil || source.NumBatches() == 0 {
		return ValidationResult{}, nil
	}
	model.SetTraining(false)
	defer model.SetTraining(true)

	world := float64(ch.WorldSize())
	result := ValidationResult{Epoch: state.Epoch}
	var total float64
	for batch, err := range source.Epoch(ctx, 0) {
		if err != nil {
			return result, errors.WithMessagef(err, "reading validation batch %d", result.Batches)
		}
		loss, err := model.Forward(ctx, batch)
		if err != nil {
			return result, errors.WithMessagef(err, "forward pass of validation batch %d", result.Batches)
		}
		reduced, err := ch.ReduceSum(ctx, loss.Value())
		if err != nil {
			return result, errors.WithMessagef(err, "reducing the loss of validation batch %d", result.Batches)
		}
		total += reduced / world
		result.Batches++
	}
	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(err, "validation interrupted")
	}
	if result.Batches == 0 {
		return ValidationResult{}, nil
	}
	result.Loss = total / float64(result.Batches)
	if math.IsNaN(result.Loss) || math.IsInf(result.Loss, 0) {
		return result, errors.Errorf("validation loss is %g", result.Loss)
	}
	if ch.Rank() == 0 {
		klog.Infof("Validation Loss: %.4f", result.Loss)
	}
	if result.Loss < state.BestScore {
		state.BestScore = result.Loss
		result.Improved = true
		if v.SaveBest != nil {
			if err := v.SaveBest(ctx); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}
