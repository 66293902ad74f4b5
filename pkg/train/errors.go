// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage of the Coordinator where an error happened.
type Stage int

const (
	StageInit Stage = iota
	StageResume
	StageEpoch
	StageValidation
	StageCheckpoint
	StageTeardown
)

var stageNames = []string{"init", "resume", "epoch", "validation", "checkpoint", "teardown"}

// String implements fmt.Stringer.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// StageError is the error returned by Coordinator.Run: it names the rank and stage where the run failed.
// The cause, and with it its faults kind, is available through errors.Is/As.
type StageError struct {
	Rank  int
	Stage Stage

	// Epoch being run, for StageEpoch, StageValidation and StageCheckpoint.
	Epoch int

	Err error
}

// Error implements error: "rank 1: epoch 3: <cause>".
func (e *StageError) Error() string {
	stage := e.Stage.String()
	if e.Stage == StageEpoch {
		stage = fmt.Sprintf("epoch %d", e.Epoch)
	}
	return fmt.Sprintf("rank %d: %s: %v", e.Rank, stage, e.Err)
}

// Unwrap returns the cause.
func (e *StageError) Unwrap() error { return e.Err }

// AsStageError returns the StageError in err's chain, if any.
func AsStageError(err error) (*StageError, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr, true
	}
	return nil, false
}
