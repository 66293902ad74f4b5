// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipGradNorm(t *testing.T) {
	w := New("w", []float64{1, 1})
	b := New("b", []float64{0})
	w.Grad = []float64{3, 0}
	b.Grad = []float64{4}
	ps := []*Parameter{w, b}

	assert.Equal(t, 5.0, GradNorm(ps))
	assert.Equal(t, 5.0, ClipGradNorm(ps, 0), "0 disables clipping")
	assert.Equal(t, []float64{3, 0}, w.Grad)

	assert.Equal(t, 5.0, ClipGradNorm(ps, 1))
	assert.InDelta(t, 1.0, GradNorm(ps), 1e-6)
	assert.InDelta(t, 0.6, w.Grad[0], 1e-6)

	ZeroGrad(ps)
	assert.Equal(t, 0.0, GradNorm(ps))
	assert.Equal(t, []float64{1, 1}, w.Value, "values are untouched")
}

func TestFlatten(t *testing.T) {
	w := New("w", []float64{1, 2})
	b := New("b", []float64{3})
	ps := []*Parameter{w, b}
	assert.Equal(t, []float64{1, 2, 3}, Flatten(ps, false))

	require.NoError(t, Unflatten(ps, []float64{4, 5, 6}, true))
	assert.Equal(t, []float64{4, 5}, w.Grad)
	assert.Equal(t, []float64{6}, b.Grad)
	assert.Equal(t, []float64{4, 5, 6}, Flatten(ps, true))

	assert.Error(t, Unflatten(ps, []float64{1, 2}, false))
	assert.Error(t, Unflatten(ps, []float64{1, 2, 3, 4}, false))
}
