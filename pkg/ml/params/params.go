// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds trainable parameters as flat float64 vectors, each with its accumulated gradient.
package params

import (
	"math"

	"github.com/pkg/errors"
)

// Parameter is a named trainable vector and the gradient accumulated for it since the last ZeroGrad.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

// New creates a parameter with the given initial value and a zero gradient.
func New(name string, value []float64) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: make([]float64, len(value))}
}

// ZeroGrad resets the gradients of all params.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// GradNorm returns the L2 norm of all gradients taken together.
func GradNorm(params []*Parameter) float64 {
	var sumSq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sumSq += g * g
		}
	}
	return math.Sqrt(sumSq)
}

// ClipGradNorm scales all gradients so their total L2 norm is at most maxNorm, and returns the norm before
// clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}

// Flatten concatenates the values (or gradients if grads is true) of params.
func Flatten(params []*Parameter, grads bool) []float64 {
	var n int
	for _, p := range params {
		n += len(p.Value)
	}
	flat := make([]float64, 0, n)
	for _, p := range params {
		if grads {
			flat = append(flat, p.Grad...)
		} else {
			flat = append(flat, p.Value...)
		}
	}
	return flat
}

// Unflatten copies flat back into the values (or gradients if grads is true) of params: the inverse of Flatten.
func Unflatten(params []*Parameter, flat []float64, grads bool) error {
	var pos int
	for _, p := range params {
		target := p.Value
		if grads {
			target = p.Grad
		}
		if pos+len(target) > len(flat) {
			return errors.Errorf("flat vector too short: %d values for parameters needing more", len(flat))
		}
		copy(target, flat[pos:pos+len(target)])
		pos += len(target)
	}
	if pos != len(flat) {
		return errors.Errorf("flat vector has %d values, parameters take %d", len(flat), pos)
	}
	return nil
}
