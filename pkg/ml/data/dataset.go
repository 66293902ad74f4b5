// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// Example is one record: named feature vectors.
type Example map[string][]float64

// Dataset is a finite, indexable collection of examples.
type Dataset interface {
	// Name used in logs.
	Name() string

	// Len is the number of examples.
	Len() int

	// Example returns the i-th example, 0 <= i < Len(). It may be called concurrently.
	Example(i int) (Example, error)
}

// InMemory is a Dataset held in a slice.
type InMemory struct {
	name     string
	examples []Example
}

// NewInMemory creates a Dataset from examples.
func NewInMemory(name string, examples []Example) *InMemory {
	return &InMemory{name: name, examples: examples}
}

func (ds *InMemory) Name() string { return ds.name }
func (ds *InMemory) Len() int     { return len(ds.examples) }

// Example implements Dataset.
func (ds *InMemory) Example(i int) (Example, error) {
	if i < 0 || i >= len(ds.examples) {
		return nil, errors.Errorf("dataset %q: example %d out of range [0, %d)", ds.name, i, len(ds.examples))
	}
	return ds.examples[i], nil
}

// Slice returns a dataset named name with the examples [from, to). The examples are shared.
func (ds *InMemory) Slice(name string, from, to int) *InMemory {
	return NewInMemory(name, ds.examples[from:to:to])
}

// Collate stacks examples into a Batch: feature "k" becomes a tensor shaped [len(examples), maxLen], where
// shorter vectors are right-padded with padValue. All examples must have the same features.
func Collate(examples []Example, padValue float64) (Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("can't collate an empty list of examples")
	}
	names := slices.Sorted(maps.Keys(examples[0]))
	batch := make(Batch, len(names))
	for _, name := range names {
		maxLen := 0
		for i, ex := range examples {
			values, found := ex[name]
			if !found {
				return nil, errors.Errorf("example #%d has no feature %q", i, name)
			}
			maxLen = max(maxLen, len(values))
		}
		flat := make([]float64, 0, len(examples)*maxLen)
		for _, ex := range examples {
			flat = append(flat, ex[name]...)
			for range maxLen - len(ex[name]) {
				flat = append(flat, padValue)
			}
		}
		batch[name] = &Tensor{Shape: []int{len(examples), maxLen}, Values: flat}
	}
	for i, ex := range examples {
		if len(ex) != len(names) {
			return nil, errors.Errorf("example #%d has %d features, expected %d (%v)", i, len(ex), len(names), names)
		}
	}
	return batch, nil
}
