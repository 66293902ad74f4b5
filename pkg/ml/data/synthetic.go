// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand/v2"
)

// Feature names used by the synthetic regression data and by LoadCSV.
const (
	FeaturesKey = "x"
	TargetKey   = "y"
)

// SyntheticConfig describes a linear regression problem y = w·x + bias + noise, with x ~ N(0, 1).
type SyntheticConfig struct {
	Examples int
	Features int
	Noise    float64
	Seed     int64
}

// SyntheticRegression generates the examples of cfg and returns the true weights (the last one is the bias).
// The same configuration always generates the same data.
func SyntheticRegression(name string, cfg SyntheticConfig) (*InMemory, []float64) {
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x5eed))
	weights := make([]float64, cfg.Features+1)
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	examples := make([]Example, cfg.Examples)
	for i := range examples {
		x := make([]float64, cfg.Features)
		y := weights[cfg.Features]
		for j := range x {
			x[j] = rng.NormFloat64()
			y += weights[j] * x[j]
		}
		y += cfg.Noise * rng.NormFloat64()
		examples[i] = Example{FeaturesKey: x, TargetKey: {y}}
	}
	return NewInMemory(name, examples), weights
}
