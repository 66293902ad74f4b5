// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedules

import "math"

// CosineMinFraction of the max learning rate is where the cosine schedule ends.
var CosineMinFraction = 1e-3

// NewCosine creates a cosine annealing schedule, from cfg.MaxLearningRate down to
// CosineMinFraction*cfg.MaxLearningRate at the last tick. It implements Factory.
//
// See [SGDR: Stochastic Gradient Descent with Warm Restarts](https://arxiv.org/abs/1608.03983); this is the
// variant without restarts.
func NewCosine(target Target, cfg Config) (Interface, error) {
	maxLR := cfg.MaxLearningRate
	minLR := CosineMinFraction * maxLR
	total := cfg.TotalTicks
	return &base{
		kind:   "cosine",
		target: target,
		total:  total,
		lrAt: func(tick int) float64 {
			frac := math.Min(float64(tick)/float64(total), 1)
			return minLR + (maxLR-minLR)*(1+math.Cos(math.Pi*frac))/2
		},
	}, nil
}
