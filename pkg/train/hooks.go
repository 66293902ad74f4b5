// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"iter"
	"slices"
	"time"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// StepInfo describes an optimizer step, passed to OnStep hooks.
type StepInfo struct {
	// Epoch being run and GlobalStep after the step.
	Epoch      int
	GlobalStep int64

	// Loss is the mean loss of the accumulation window over all ranks.
	Loss float64

	// GradNorm before clipping.
	GradNorm float64

	// LearningRate used by the step.
	LearningRate float64

	// MicroBatches in the window, and the time since the previous step (or the start of the epoch).
	MicroBatches int
	Duration     time.Duration
}

// EpochSummary is passed to OnEpochEnd hooks.
type EpochSummary struct {
	// Epoch that was run: State.Epoch before it was incremented.
	Epoch int

	// Batches read and optimizer Steps taken. Batches of a trailing partial window are read but not stepped.
	Batches, Steps int

	// MeanLoss of the steps of the epoch, NaN if no step was taken.
	MeanLoss float64

	Duration time.Duration
}

// ValidationResult is passed to OnValidation hooks.
type ValidationResult struct {
	// Epoch is the number of completed epochs when the validation ran.
	Epoch int

	// Loss is the mean over batches of the rank-averaged validation loss.
	Loss    float64
	Batches int

	// Improved is set if Loss became the new best score.
	Improved bool
}

// CheckpointEvent is passed to OnCheckpoint hooks, after every save attempt.
type CheckpointEvent struct {
	Tag   string
	State State

	// Err of a failed save, nil on success.
	Err error

	// ConsecutiveFailures is the number of failed saves in a row, including this one.
	ConsecutiveFailures int
}

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(c *Coordinator, info StepInfo) error

// OnEpochEndFn is the type of OnEpochEnd hooks.
type OnEpochEndFn func(c *Coordinator, summary EpochSummary) error

// OnValidationFn is the type of OnValidation hooks.
type OnValidationFn func(c *Coordinator, result ValidationResult) error

// OnCheckpointFn is the type of OnCheckpoint hooks.
type OnCheckpointFn func(c *Coordinator, event CheckpointEvent) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order. Hooks with the same priority are
// returned in the order they were added.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

// OnStep adds a hook with given priority and name (for error reporting), called after every optimizer step.
func (c *Coordinator) OnStep(name string, priority Priority, fn OnStepFn) {
	c.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name, called after each training epoch, before validation.
func (c *Coordinator) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	c.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnValidation adds a hook with given priority and name, called after each validation.
func (c *Coordinator) OnValidation(name string, priority Priority, fn OnValidationFn) {
	c.onValidation.Add(priority, &hookWithName[OnValidationFn]{name: name, fn: fn})
}

// OnCheckpoint adds a hook with given priority and name, called after each checkpoint save attempt.
// Only rank 0 writes, but the hooks are called on every rank.
func (c *Coordinator) OnCheckpoint(name string, priority Priority, fn OnCheckpointFn) {
	c.onCheckpoint.Add(priority, &hookWithName[OnCheckpointFn]{name: name, fn: fn})
}
