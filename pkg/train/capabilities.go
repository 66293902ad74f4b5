// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"iter"

	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/gomlx/distrain/pkg/ml/data"
	"github.com/gomlx/distrain/pkg/ml/params"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
)

// Loss is the result of a forward pass.
type Loss interface {
	// Value of the loss for the batch.
	Value() float64

	// Backward accumulates the gradient of scale*Value() into the model parameters' gradients.
	Backward(scale float64) error
}

// Model is the replica of the model held by one rank.
type Model interface {
	// SetTraining switches between training (true) and evaluation mode.
	SetTraining(training bool)

	// Forward computes the loss of a batch.
	Forward(ctx context.Context, batch data.Batch) (Loss, error)

	// Parameters updated by the optimizer. The slice and its elements are stable for the model lifetime.
	Parameters() []*params.Parameter

	// Snapshot serializes the model state.
	Snapshot() ([]byte, error)

	// LoadSnapshot restores a state created by Snapshot.
	LoadSnapshot(blob []byte) error
}

// DataParallel is implemented by models that keep their replicas in sync across ranks.
//
// If the model implements it, the Coordinator calls BroadcastParameters once before the first epoch (after a
// resume, if any), and the EpochRunner calls AllReduceGradients at every accumulation boundary, before
// gradient clipping.
type DataParallel interface {
	BroadcastParameters(ctx context.Context, ch collective.Channel) error
	AllReduceGradients(ctx context.Context, ch collective.Channel) error
}

// DataSource yields the rank-local batches of an epoch. *data.Loader implements it.
type DataSource interface {
	// NumBatches per epoch. It must be the same on all ranks.
	NumBatches() int

	// Epoch returns the batches of the given epoch. The order must depend only on the epoch.
	Epoch(ctx context.Context, epoch int) iter.Seq2[data.Batch, error]
}

// CheckpointStore is where the Coordinator saves and finds checkpoints. *checkpoints.Store implements it.
type CheckpointStore interface {
	// Save is a no-op on ranks other than 0.
	Save(ctx context.Context, b *checkpoints.Bundle, tag string) error
	Load(ctx context.Context, tag string) (*checkpoints.Bundle, error)
	Latest(ctx context.Context) (string, error)
}

var _ CheckpointStore = (*checkpoints.Store)(nil)
var _ DataSource = (*data.Loader)(nil)

// BroadcastParameters overwrites the parameter values on every rank with those of rank 0.
// It is a helper to implement DataParallel.
func BroadcastParameters(ctx context.Context, ch collective.Channel, ps []*params.Parameter) error {
	if ch.WorldSize() == 1 {
		return nil
	}
	values, err := ch.Broadcast(ctx, params.Flatten(ps, false), 0)
	if err != nil {
		return err
	}
	return params.Unflatten(ps, values, false)
}

// AverageGradients replaces the gradients on every rank by their mean over all ranks.
// It is a helper to implement DataParallel.
func AverageGradients(ctx context.Context, ch collective.Channel, ps []*params.Parameter) error {
	world := ch.WorldSize()
	if world == 1 {
		return nil
	}
	sums, err := ch.AllReduce(ctx, params.Flatten(ps, true), collective.ReduceSum)
	if err != nil {
		return err
	}
	for i := range sums {
		sums[i] /= float64(world)
	}
	return params.Unflatten(ps, sums, true)
}
