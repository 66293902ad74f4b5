// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Store saves and loads the checkpoints of a run.
type Store struct {
	storage     Storage
	rank        int
	compression string
	keep        int
	ledger      Ledger
}

// StoreOption configures a Store.
type StoreOption func(s *Store)

// WithCompression sets the data file format, BinGzip (the default) or BinUncompressed.
func WithCompression(compression string) StoreOption {
	return func(s *Store) { s.compression = compression }
}

// WithKeep sets the number of periodic checkpoints to keep. After each save, the ones with the lowest epochs
// in excess are deleted. n < 0 (the default) keeps all. The BestTag checkpoint is never deleted.
func WithKeep(n int) StoreOption {
	return func(s *Store) { s.keep = n }
}

// WithLedger reports every successful save to ledger.
func WithLedger(ledger Ledger) StoreOption {
	return func(s *Store) { s.ledger = ledger }
}

// NewStore creates the Store of the given rank over storage. Only rank 0 writes.
func NewStore(storage Storage, rank int, options ...StoreOption) *Store {
	s := &Store{storage: storage, rank: rank, compression: BinGzip, keep: -1}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Open creates the Store for a location, see OpenStorage.
func Open(ctx context.Context, location string, rank int, options ...StoreOption) (*Store, error) {
	storage, err := OpenStorage(ctx, location)
	if err != nil {
		return nil, err
	}
	return NewStore(storage, rank, options...), nil
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoints.Store(%q)", s.storage.Location())
}

// Storage returns the underlying storage.
func (s *Store) Storage() Storage { return s.storage }

// Save stores the bundle under tag, replacing a previous checkpoint with the same tag. It is a no-op on every
// rank but 0.
//
// Failures are faults.ErrPersistence.
func (s *Store) Save(ctx context.Context, b *Bundle, tag string) error {
	if s.rank != 0 {
		return nil
	}
	if b.RunID == "" {
		b.RunID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	metaJSON, bin, err := encode(b, s.compression)
	if err != nil {
		return faults.Wrapf(faults.ErrPersistence, err, "%s: failed to encode checkpoint %q", s, tag)
	}
	if err := s.storage.Put(ctx, tag+BinDataSuffix, bin); err != nil {
		return faults.Wrapf(faults.ErrPersistence, err, "%s: failed to save checkpoint %q", s, tag)
	}
	if err := s.storage.Put(ctx, tag+JsonNameSuffix, metaJSON); err != nil {
		return faults.Wrapf(faults.ErrPersistence, err, "%s: failed to save checkpoint %q", s, tag)
	}
	size := int64(len(bin) + len(metaJSON))
	klog.V(1).Infof("saved checkpoint %q (%s) to %s: %s", tag, humanize.Bytes(uint64(size)), s.storage.Location(), b.State)

	if s.ledger != nil {
		record := Record{
			RunID:      b.RunID,
			Tag:        tag,
			Location:   s.storage.Location(),
			Epoch:      b.State.Epoch,
			GlobalStep: b.State.GlobalStep,
			BestScore:  b.State.BestScore,
			Bytes:      size,
			CreatedAt:  b.CreatedAt,
		}
		if err := s.ledger.Record(ctx, record); err != nil {
			klog.Warningf("%s: failed to record checkpoint %q in the ledger: %+v", s, tag, err)
		}
	}
	if _, periodic := ParseEpochTag(tag); periodic {
		// The new checkpoint is already durable: failing to remove old ones doesn't fail the save.
		if err := s.keepNCheckpoints(ctx); err != nil {
			klog.Warningf("%s: failed to prune checkpoints after saving %q: %+v", s, tag, err)
		}
	}
	return nil
}

// keepNCheckpoints removes the periodic checkpoints in excess of the configured number.
func (s *Store) keepNCheckpoints(ctx context.Context) error {
	if s.keep < 0 {
		return nil
	}
	tags, err := s.EpochTags(ctx)
	if err != nil {
		return err
	}
	if len(tags) <= s.keep {
		return nil
	}
	for _, tag := range tags[:len(tags)-s.keep] {
		// Metadata first: a data file without metadata is ignored by List.
		for _, name := range []string{tag + JsonNameSuffix, tag + BinDataSuffix} {
			if err := s.storage.Delete(ctx, name); err != nil {
				return err
			}
		}
		klog.V(1).Infof("%s: removed checkpoint %q", s, tag)
	}
	return nil
}

// List returns the tags of the saved checkpoints, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.storage.List(ctx)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, name := range names {
		if tag, found := strings.CutSuffix(name, JsonNameSuffix); found {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	return tags, nil
}

// EpochTags returns the tags of the periodic checkpoints, by increasing epoch.
func (s *Store) EpochTags(ctx context.Context) ([]string, error) {
	tags, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	tags = slices.DeleteFunc(tags, func(tag string) bool {
		_, periodic := ParseEpochTag(tag)
		return !periodic
	})
	slices.SortFunc(tags, func(a, b string) int {
		epochA, _ := ParseEpochTag(a)
		epochB, _ := ParseEpochTag(b)
		return epochA - epochB
	})
	return tags, nil
}

// Latest returns the tag of the periodic checkpoint with the highest epoch, or a faults.ErrNotFound if there
// are none.
func (s *Store) Latest(ctx context.Context) (string, error) {
	tags, err := s.EpochTags(ctx)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", faults.Newf(faults.ErrNotFound, "%s has no periodic checkpoints", s)
	}
	return tags[len(tags)-1], nil
}

// Metadata reads the metadata of the checkpoint saved under tag.
func (s *Store) Metadata(ctx context.Context, tag string) (*Metadata, error) {
	metaJSON, err := s.storage.Get(ctx, tag+JsonNameSuffix)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: checkpoint %q", s, tag)
	}
	return decodeMetadata(s.name(tag), metaJSON)
}

// Load reads the checkpoint saved under tag.
//
// A missing checkpoint is a faults.ErrNotFound. One that can't be decoded (including a metadata file whose
// data file is missing) is a faults.ErrCorruptCheckpoint.
func (s *Store) Load(ctx context.Context, tag string) (*Bundle, error) {
	meta, err := s.Metadata(ctx, tag)
	if err != nil {
		return nil, err
	}
	bin, err := s.storage.Get(ctx, tag+BinDataSuffix)
	if errors.Is(err, faults.ErrNotFound) {
		return nil, faults.Wrapf(faults.ErrCorruptCheckpoint, err, "%s: checkpoint %q has no data file", s, tag)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: checkpoint %q", s, tag)
	}
	b, err := decodeBin(s.name(tag), meta, bin)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded checkpoint %q (%s) from %s: %s", tag, humanize.Bytes(uint64(len(bin))), s.storage.Location(), b.State)
	return b, nil
}

func (s *Store) name(tag string) string {
	return fmt.Sprintf("checkpoint %q in %s", tag, s.storage.Location())
}

// SplitSource splits a checkpoint reference, a path or URI like "dir/checkpoint_0003" (optionally with
// the ".json" or ".bin" suffix), into its storage location and tag.
func SplitSource(source string) (location, tag string) {
	source = strings.TrimSuffix(source, JsonNameSuffix)
	source = strings.TrimSuffix(source, BinDataSuffix)
	if runconfig.IsRemote(source) {
		idx := strings.LastIndex(source, "/")
		if idx < strings.Index(source, "://")+3 {
			return source, ""
		}
		return source[:idx], source[idx+1:]
	}
	location, tag = filepath.Split(source)
	if location == "" {
		location = "."
	}
	return filepath.Clean(location), tag
}

// Load reads the checkpoint referenced by source, see SplitSource. It is used by the readers of checkpoints
// outside of a run, which don't know the rank.
func Load(ctx context.Context, source string) (*Bundle, error) {
	location, tag := SplitSource(source)
	if tag == "" {
		return nil, faults.Newf(faults.ErrNotFound, "checkpoint source %q doesn't name a checkpoint", source)
	}
	store, err := Open(ctx, location, -1)
	if err != nil {
		return nil, err
	}
	return store.Load(ctx, tag)
}
