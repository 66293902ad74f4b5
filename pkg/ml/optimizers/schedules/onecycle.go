// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedules

import "math"

// One-cycle parameters.
var (
	// OneCyclePctStart is the fraction of the ticks spent warming up.
	OneCyclePctStart = 0.3

	// OneCycleDivFactor: the initial learning rate is max/OneCycleDivFactor.
	OneCycleDivFactor = 25.0

	// OneCycleFinalDivFactor: the final learning rate is initial/OneCycleFinalDivFactor.
	OneCycleFinalDivFactor = 1e4
)

// NewOneCycle creates a 1cycle schedule ([Smith et al., 2017](https://arxiv.org/abs/1708.07120)): cosine warm-up
// from max/25 to cfg.MaxLearningRate during the first 30% of the ticks, then cosine annealing down to
// max/25/1e4. It implements Factory.
func NewOneCycle(target Target, cfg Config) (Interface, error) {
	maxLR := cfg.MaxLearningRate
	initialLR := maxLR / OneCycleDivFactor
	minLR := initialLR / OneCycleFinalDivFactor
	total := float64(cfg.TotalTicks)
	warmupEnd := OneCyclePctStart*total - 1
	return &base{
		kind:   "onecycle",
		target: target,
		total:  cfg.TotalTicks,
		lrAt: func(tick int) float64 {
			step := float64(tick)
			if step <= warmupEnd {
				return cosineAnneal(initialLR, maxLR, step/warmupEnd)
			}
			return cosineAnneal(maxLR, minLR, (step-warmupEnd)/(total-1-warmupEnd))
		},
	}, nil
}

// cosineAnneal goes from start (pct=0) to end (pct=1) along half a cosine.
func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}
