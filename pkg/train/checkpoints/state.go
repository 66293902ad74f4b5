// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// State is the control-plane state every rank holds identically: it is what makes ranks agree on where they
// are in the run.
type State struct {
	// Epoch is the number of completed epochs, and the index of the next one to run.
	Epoch int

	// GlobalStep counts optimizer updates.
	GlobalStep int64

	// BestScore is the lowest validation loss seen so far, +Inf until the first validation.
	BestScore float64
}

// NewState returns the state of a run that hasn't started.
func NewState() State {
	return State{BestScore: math.Inf(1)}
}

// HasBest returns whether a validation score was recorded.
func (s State) HasBest() bool {
	return !math.IsInf(s.BestScore, 1)
}

// String implements fmt.Stringer.
func (s State) String() string {
	return fmt.Sprintf("epoch=%d, global_step=%d, best_score=%g", s.Epoch, s.GlobalStep, s.BestScore)
}

type stateJSON struct {
	Epoch      *int            `json:"epoch"`
	GlobalStep *int64          `json:"global_step"`
	BestScore  json.RawMessage `json:"best_score"`
}

// MarshalJSON writes BestScore as the string "+Inf" while unset, since JSON has no infinities.
func (s State) MarshalJSON() ([]byte, error) {
	best := strconv.FormatFloat(s.BestScore, 'g', -1, 64)
	if math.IsInf(s.BestScore, 0) || math.IsNaN(s.BestScore) {
		best = strconv.Quote(best)
	}
	return json.Marshal(stateJSON{Epoch: &s.Epoch, GlobalStep: &s.GlobalStep, BestScore: json.RawMessage(best)})
}

// UnmarshalJSON requires all fields.
func (s *State) UnmarshalJSON(data []byte) error {
	var decoded stateJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.Epoch == nil || decoded.GlobalStep == nil || len(decoded.BestScore) == 0 {
		return errors.Errorf("state requires epoch, global_step and best_score, got %s", data)
	}
	var best float64
	var bestStr string
	if err := json.Unmarshal(decoded.BestScore, &bestStr); err == nil {
		if best, err = strconv.ParseFloat(bestStr, 64); err != nil {
			return errors.Wrapf(err, "invalid best_score %q", bestStr)
		}
	} else if err := json.Unmarshal(decoded.BestScore, &best); err != nil {
		return errors.Wrapf(err, "invalid best_score %s", decoded.BestScore)
	}
	if *decoded.Epoch < 0 || *decoded.GlobalStep < 0 {
		return errors.Errorf("state counters must be >= 0, got epoch=%d, global_step=%d", *decoded.Epoch, *decoded.GlobalStep)
	}
	*s = State{Epoch: *decoded.Epoch, GlobalStep: *decoded.GlobalStep, BestScore: best}
	return nil
}
