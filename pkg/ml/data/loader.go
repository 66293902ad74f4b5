// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"iter"
	"sync"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrefetchFactor is the number of batches each worker may prepare ahead of the consumer.
var PrefetchFactor = 2

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize       int
	Rank, WorldSize int

	// Shuffle the examples every epoch, with a permutation derived from Seed and the epoch.
	// Seed must be the same on every rank.
	Shuffle bool
	Seed    int64

	// NumWorkers collating batches in the background. 0 collates in the consumer goroutine.
	NumWorkers int

	// PadValue for ragged features, see Collate.
	PadValue float64
}

// Loader yields the rank-local batches of a Dataset, one epoch at a time.
//
// The last batch of an epoch may be smaller than BatchSize. All ranks get the same number of batches.
type Loader struct {
	ds  Dataset
	cfg LoaderConfig
}

// NewLoader creates a Loader over ds.
func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	switch {
	case cfg.BatchSize <= 0:
		return nil, faults.Newf(faults.ErrConfiguration, "loader %q: batch size must be > 0, got %d", ds.Name(), cfg.BatchSize)
	case cfg.WorldSize <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize:
		return nil, faults.Newf(faults.ErrConfiguration, "loader %q: invalid rank %d for world size %d", ds.Name(), cfg.Rank, cfg.WorldSize)
	case cfg.NumWorkers < 0:
		return nil, faults.Newf(faults.ErrConfiguration, "loader %q: number of workers must be >= 0, got %d", ds.Name(), cfg.NumWorkers)
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Name of the underlying dataset.
func (l *Loader) Name() string { return l.ds.Name() }

// NumBatches per epoch for this rank.
func (l *Loader) NumBatches() int {
	n := l.ds.Len()
	if n == 0 {
		return 0
	}
	perRank := (n + l.cfg.WorldSize - 1) / l.cfg.WorldSize
	return (perRank + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// batchIndices splits the rank's shard for the epoch in batches.
func (l *Loader) batchIndices(epoch int) [][]int {
	shard := ShardIndices(l.ds.Len(), l.cfg.Rank, l.cfg.WorldSize, l.cfg.Shuffle, l.cfg.Seed, epoch)
	batches := make([][]int, 0, l.NumBatches())
	for start := 0; start < len(shard); start += l.cfg.BatchSize {
		batches = append(batches, shard[start:min(start+l.cfg.BatchSize, len(shard))])
	}
	return batches
}

func (l *Loader) collate(indices []int) (Batch, error) {
	examples := make([]Example, len(indices))
	for i, idx := range indices {
		var err error
		examples[i], err = l.ds.Example(idx)
		if err != nil {
			return nil, err
		}
	}
	batch, err := Collate(examples, l.cfg.PadValue)
	return batch, errors.WithMessagef(err, "dataset %q", l.ds.Name())
}

type collated struct {
	batch Batch
	err   error
}

// Epoch returns the sequence of batches of the given epoch. Iteration stops at the first error, which is
// yielded. The sequence can be iterated again, and yields the same batches.
//
// With workers, batches are collated in parallel, at most NumWorkers*PrefetchFactor ahead of the consumer, and
// yielded in order. Stopping the iteration early releases the workers.
func (l *Loader) Epoch(ctx context.Context, epoch int) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		batches := l.batchIndices(epoch)
		if l.cfg.NumWorkers == 0 {
			for _, indices := range batches {
				batch, err := l.collate(indices)
				if !yield(batch, err) || err != nil {
					return
				}
			}
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()
		results := make([]chan collated, len(batches))
		for i := range results {
			results[i] = make(chan collated, 1)
		}
		slots := make(chan struct{}, l.cfg.NumWorkers*PrefetchFactor)
		jobs := make(chan int)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(jobs)
			for i := range batches {
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return
				}
				select {
				case jobs <- i:
				case <-ctx.Done():
					return
				}
			}
		}()
		for range l.cfg.NumWorkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					batch, err := l.collate(batches[i])
					results[i] <- collated{batch, err}
				}
			}()
		}
		klog.V(2).Infof("loader %q: epoch %d, %d batches, %d workers", l.ds.Name(), epoch, len(batches), l.cfg.NumWorkers)

		for i := range batches {
			var r collated
			select {
			case r = <-results[i]:
			case <-ctx.Done():
				yield(nil, errors.Wrapf(ctx.Err(), "loader %q interrupted at batch %d", l.ds.Name(), i))
				return
			}
			<-slots
			if !yield(r.batch, r.err) || r.err != nil {
				return
			}
		}
	}
}
