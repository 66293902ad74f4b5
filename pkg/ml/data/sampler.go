// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand/v2"
)

// ShardIndices returns the example indices rank reads in the given epoch, out of n examples split over
// worldSize ranks.
//
// Every rank gets exactly ceil(n/worldSize) indices: the list is padded by wrapping around, so all ranks go
// through the same number of batches. With shuffle, the permutation is derived from (seed, epoch) only: every
// rank computes the same permutation, each epoch gets a distinct one, and re-running an epoch (e.g. after a
// resume) reproduces it.
func ShardIndices(n, rank, worldSize int, shuffle bool, seed int64, epoch int) []int {
	if n == 0 {
		return nil
	}
	var indices []int
	if shuffle {
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(epoch)))
		indices = rng.Perm(n)
	} else {
		indices = make([]int, n)
		for i := range indices {
			indices[i] = i
		}
	}
	perRank := (n + worldSize - 1) / worldSize
	total := perRank * worldSize
	for i := 0; len(indices) < total; i++ {
		indices = append(indices, indices[i%n])
	}
	shard := make([]int, 0, perRank)
	for i := rank; i < total; i += worldSize {
		shard = append(shard, indices[i])
	}
	return shard
}
