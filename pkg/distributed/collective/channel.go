// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective implements the cross-rank reductions and broadcasts used to keep ranks in lockstep.
//
// Every operation is a barrier: it returns only after all ranks of the world called the same operation, in the
// same order. Reductions are computed once, in rank order, by a rendezvous Hub, so every rank receives a
// bit-identical result independent of arrival order.
//
// Two transports are provided: an in-process group (NewLocalGroup), used when all ranks live in one process,
// and gRPC (ServeGRPC/DialGRPC), where the coordinating rank hosts the Hub and the others call into it.
package collective

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ReduceOp is the element-wise operator of AllReduce.
type ReduceOp uint8

const (
	// ReduceSum adds the values of all ranks.
	ReduceSum ReduceOp = iota
	// ReduceMax takes the maximum across ranks.
	ReduceMax
	// ReduceMin takes the minimum across ranks.
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	default:
		return fmt.Sprintf("ReduceOp(%d)", uint8(op))
	}
}

// Channel is one rank's endpoint of a collective group.
//
// A Channel is used by a single goroutine: calls on it are not concurrent.
type Channel interface {
	// Rank of this endpoint.
	Rank() int

	// WorldSize is the number of ranks in the group.
	WorldSize() int

	// ReduceSum returns the sum of value over all ranks.
	ReduceSum(ctx context.Context, value float64) (float64, error)

	// AllReduce reduces values element-wise over all ranks. All ranks must pass slices of the same length.
	AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error)

	// Broadcast returns, on every rank, a copy of the values passed by rank `from`. The values passed by the
	// other ranks are ignored.
	Broadcast(ctx context.Context, values []float64, from int) ([]float64, error)

	// Close releases the endpoint. Pending and later operations of the group fail with ErrClosed.
	Close() error
}

var (
	// ErrClosed is returned by operations on a group that has been closed.
	ErrClosed = errors.New("collective group closed")

	// ErrMismatch is returned when ranks call different operations (or with incompatible arguments) at the
	// same point of the sequence. It means the ranks are out of lockstep.
	ErrMismatch = errors.New("collective operation mismatch")
)

// reduceSum implements Channel.ReduceSum on top of AllReduce.
func reduceSum(ctx context.Context, ch Channel, value float64) (float64, error) {
	result, err := ch.AllReduce(ctx, []float64{value}, ReduceSum)
	if err != nil {
		return 0, err
	}
	return result[0], nil
}
