// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"

	"github.com/pkg/errors"
)

// NewLocalGroup creates an in-process group of worldSize ranks sharing one Hub. The i-th Channel is rank i's
// endpoint; each one must be driven by its own goroutine.
//
// Closing any endpoint closes the group: a failing rank releases the others instead of leaving them blocked.
func NewLocalGroup(worldSize int) []Channel {
	hub := NewHub(worldSize)
	channels := make([]Channel, worldSize)
	for rank := range channels {
		channels[rank] = &localChannel{hub: hub, rank: rank}
	}
	return channels
}

type localChannel struct {
	hub  *Hub
	rank int
	seq  uint64
}

func (c *localChannel) Rank() int      { return c.rank }
func (c *localChannel) WorldSize() int { return c.hub.worldSize }

func (c *localChannel) next() uint64 {
	seq := c.seq
	c.seq++
	return seq
}

func (c *localChannel) ReduceSum(ctx context.Context, value float64) (float64, error) {
	return reduceSum(ctx, c, value)
}

func (c *localChannel) AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error) {
	return c.hub.join(ctx, c.next(), c.rank, contribution{kind: opAllReduce, reduce: op, values: values})
}

func (c *localChannel) Broadcast(ctx context.Context, values []float64, from int) ([]float64, error) {
	if from < 0 || from >= c.hub.worldSize {
		return nil, errors.Errorf("broadcast from rank %d out of range for world size %d", from, c.hub.worldSize)
	}
	if c.rank != from {
		values = nil
	}
	return c.hub.join(ctx, c.next(), c.rank, contribution{kind: opBroadcast, from: from, values: values})
}

func (c *localChannel) Close() error {
	c.hub.Close()
	return nil
}
