// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"time"
)

// WithTimeout wraps ch so that every operation fails with faults.ErrCollectiveTimeout if it doesn't complete
// within timeout. A timeout <= 0 returns ch unchanged.
//
// A timed-out rank leaves the group out of lockstep: the only sane follow-up is to tear the run down.
func WithTimeout(ch Channel, timeout time.Duration) Channel {
	if timeout <= 0 {
		return ch
	}
	return &timeoutChannel{Channel: ch, timeout: timeout}
}

type timeoutChannel struct {
	Channel
	timeout time.Duration
}

func (c *timeoutChannel) ReduceSum(ctx context.Context, value float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.Channel.ReduceSum(ctx, value)
}

func (c *timeoutChannel) AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.Channel.AllReduce(ctx, values, op)
}

func (c *timeoutChannel) Broadcast(ctx context.Context, values []float64, from int) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.Channel.Broadcast(ctx, values, from)
}
