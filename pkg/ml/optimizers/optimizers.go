// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements optimizers over params.Parameter vectors, and a registry to create them by kind.
//
// An optimizer is created once per run, from the model's parameters, with New. The kind is resolved then and
// never again: an unknown kind is an error (faults.ErrUnsupportedCapability) at construction time.
package optimizers

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/distrain/pkg/ml/params"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
)

// Interface implemented by optimizers.
type Interface interface {
	// Kind is the registry tag the optimizer was created with.
	Kind() string

	// Step applies one update to the parameters using their accumulated gradients.
	Step() error

	// ZeroGrad resets the accumulated gradients.
	ZeroGrad()

	// LearningRate currently used by Step.
	LearningRate() float64

	// SetLearningRate is used by schedules.
	SetLearningRate(lr float64)

	// Snapshot serializes the optimizer state (moments, step count, learning rate).
	Snapshot() ([]byte, error)

	// LoadSnapshot restores a state created by Snapshot of an optimizer of the same kind over the same parameters.
	LoadSnapshot(blob []byte) error
}

// Config holds the hyperparameters shared by the registered optimizers.
type Config struct {
	LearningRate float64
	// WeightDecay is used by "adamw" (decoupled) and "sgd" (L2). "adam" ignores it.
	WeightDecay float64
	// Momentum is used by "sgd".
	Momentum float64
}

// Factory creates an optimizer for ps.
type Factory func(ps []*params.Parameter, cfg Config) (Interface, error)

// KnownOptimizers maps kind tags to factories. Tags are lower case; New lower-cases the requested kind.
// Register new ones during package initialization.
var KnownOptimizers = map[string]Factory{
	"sgd":   NewSGD,
	"adam":  NewAdam,
	"adamw": NewAdamW,
}

// Kinds returns the sorted list of registered kinds.
func Kinds() []string {
	return slices.Sorted(maps.Keys(KnownOptimizers))
}

// New creates the optimizer registered under kind.
func New(kind string, ps []*params.Parameter, cfg Config) (Interface, error) {
	factory, found := KnownOptimizers[strings.ToLower(kind)]
	if !found {
		return nil, faults.Newf(faults.ErrUnsupportedCapability, "unknown optimizer %q, known optimizers: %s",
			kind, strings.Join(Kinds(), ", "))
	}
	if cfg.LearningRate <= 0 {
		return nil, faults.Newf(faults.ErrConfiguration, "optimizer %q: learning rate must be > 0, got %g", kind, cfg.LearningRate)
	}
	return factory(ps, cfg)
}

// snapshot is the serialized state common to the optimizers of this package.
type snapshot struct {
	Kind         string      `json:"kind"`
	Step         int64       `json:"step"`
	LearningRate float64     `json:"learning_rate"`
	Slots        [][]float64 `json:"slots,omitempty"`
}

func encodeSnapshot(s snapshot) ([]byte, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize %s optimizer state", s.Kind)
	}
	return blob, nil
}

// decodeSnapshot parses blob and checks it was written by an optimizer of the given kind, with slots shaped
// like `shapes`.
func decodeSnapshot(blob []byte, kind string, shapes [][]float64) (snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return s, errors.Wrapf(err, "failed to parse %s optimizer state", kind)
	}
	if s.Kind != kind {
		return s, faults.Newf(faults.ErrConfiguration, "optimizer state was saved by %q, can't load into %q", s.Kind, kind)
	}
	if len(s.Slots) != len(shapes) {
		return s, errors.Errorf("%s optimizer state has %d slots, expected %d", kind, len(s.Slots), len(shapes))
	}
	for i, slot := range s.Slots {
		if len(slot) != len(shapes[i]) {
			return s, errors.Errorf("%s optimizer state slot #%d has %d values, expected %d", kind, i, len(slot), len(shapes[i]))
		}
	}
	return s, nil
}

// zeros creates one zero vector per parameter.
func zeros(ps []*params.Parameter) [][]float64 {
	slots := make([][]float64, len(ps))
	for i, p := range ps {
		slots[i] = make([]float64, len(p.Value))
	}
	return slots
}

func copySlots(dst, src [][]float64) {
	for i := range dst {
		copy(dst[i], src[i])
	}
}
