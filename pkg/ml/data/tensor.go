// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data provides datasets, the per-rank sharding of their examples, and a prefetching loader that
// yields collated batches for one epoch at a time.
package data

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major array of float64.
type Tensor struct {
	Shape  []int
	Values []float64
}

// NewTensor checks that values fit shape.
func NewTensor(shape []int, values []float64) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("invalid shape %v", shape)
		}
		size *= dim
	}
	if size != len(values) {
		return nil, errors.Errorf("shape %v requires %d values, got %d", shape, size, len(values))
	}
	return &Tensor{Shape: slices.Clone(shape), Values: values}, nil
}

// Rows returns the size of the first dimension, or 1 for a scalar.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Row returns a view of the i-th slice along the first dimension.
func (t *Tensor) Row(i int) []float64 {
	stride := len(t.Values) / max(t.Rows(), 1)
	return t.Values[i*stride : (i+1)*stride]
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Batch is a set of named tensors sharing the first (batch) dimension.
type Batch map[string]*Tensor

// Size is the batch dimension, 0 for an empty batch.
func (b Batch) Size() int {
	for _, t := range b {
		return t.Rows()
	}
	return 0
}
