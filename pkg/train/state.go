// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import "github.com/gomlx/distrain/pkg/train/checkpoints"

// State is the training state kept in lockstep by all ranks. It is persisted with every checkpoint.
type State = checkpoints.State

// NewState returns the state of a run that hasn't started: epoch 0, global step 0 and no best score (+Inf).
func NewState() State {
	return checkpoints.NewState()
}
