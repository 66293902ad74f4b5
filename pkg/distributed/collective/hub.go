// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type opKind uint8

const (
	opAllReduce opKind = iota
	opBroadcast
)

func (k opKind) String() string {
	if k == opBroadcast {
		return "broadcast"
	}
	return "all-reduce"
}

// contribution is what one rank brings to a round.
type contribution struct {
	kind   opKind
	reduce ReduceOp
	from   int
	values []float64
}

func (c contribution) compatible(other contribution) bool {
	if c.kind != other.kind {
		return false
	}
	if c.kind == opBroadcast {
		return c.from == other.from
	}
	return c.reduce == other.reduce && len(c.values) == len(other.values)
}

// round is the state of the seq-th operation of the group.
type round struct {
	first   contribution
	values  [][]float64
	joined  []bool
	arrived int
	result  []float64
	err     error
	done    chan struct{}
}

// Hub is the rendezvous point of a group: each rank joins the seq-th round with its contribution, and the last
// one to arrive computes the result for everybody.
//
// Ranks number their operations independently (0, 1, 2, ...), which is what keeps rounds matched without any
// further coordination.
type Hub struct {
	worldSize int

	mu     sync.Mutex
	rounds map[uint64]*round
	closed bool
}

// NewHub creates a Hub for worldSize ranks.
func NewHub(worldSize int) *Hub {
	return &Hub{
		worldSize: worldSize,
		rounds:    make(map[uint64]*round),
	}
}

// WorldSize of the group.
func (h *Hub) WorldSize() int { return h.worldSize }

// join blocks until all ranks joined round seq, or ctx is done, or the Hub is closed.
func (h *Hub) join(ctx context.Context, seq uint64, rank int, c contribution) ([]float64, error) {
	if rank < 0 || rank >= h.worldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, h.worldSize)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.WithStack(ErrClosed)
	}
	r, found := h.rounds[seq]
	if !found {
		r = &round{
			first:  c,
			values: make([][]float64, h.worldSize),
			joined: make([]bool, h.worldSize),
			done:   make(chan struct{}),
		}
		h.rounds[seq] = r
	}
	switch {
	case r.err != nil:
		// Round already failed: fall through to read the error.
	case r.joined[rank]:
		r.fail(errors.Wrapf(ErrMismatch, "rank %d joined round %d twice", rank, seq))
	case !r.first.compatible(c):
		r.fail(errors.Wrapf(ErrMismatch, "round %d: rank %d called %s (op=%s, from=%d, len=%d), others called %s (op=%s, from=%d, len=%d)",
			seq, rank, c.kind, c.reduce, c.from, len(c.values),
			r.first.kind, r.first.reduce, r.first.from, len(r.first.values)))
	default:
		r.joined[rank] = true
		r.values[rank] = slices.Clone(c.values)
		r.arrived++
		if r.arrived == h.worldSize {
			r.result = r.compute()
			close(r.done)
			delete(h.rounds, seq)
			klog.V(2).Infof("collective round %d (%s) complete", seq, r.first.kind)
		}
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return slices.Clone(r.result), nil
	case <-ctx.Done():
		return nil, contextError(ctx, seq)
	}
}

// fail completes the round with err. Must be called with the Hub lock held.
func (r *round) fail(err error) {
	if r.err != nil {
		return
	}
	r.err = err
	close(r.done)
}

// compute the result of a complete round: reductions are accumulated in rank order.
func (r *round) compute() []float64 {
	if r.first.kind == opBroadcast {
		return slices.Clone(r.values[r.first.from])
	}
	result := slices.Clone(r.values[0])
	for _, values := range r.values[1:] {
		for i, v := range values {
			switch r.first.reduce {
			case ReduceSum:
				result[i] += v
			case ReduceMax:
				result[i] = math.Max(result[i], v)
			case ReduceMin:
				result[i] = math.Min(result[i], v)
			}
		}
	}
	return result
}

// Close fails all pending rounds with ErrClosed, and any later join. It is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for seq, r := range h.rounds {
		r.fail(errors.Wrapf(ErrClosed, "round %d aborted", seq))
	}
	h.rounds = nil
}

func contextError(ctx context.Context, seq uint64) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return faults.Wrapf(faults.ErrCollectiveTimeout, ctx.Err(), "round %d", seq)
	}
	return errors.Wrapf(ctx.Err(), "round %d", seq)
}
