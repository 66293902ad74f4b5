// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/distrain/pkg/support/fsutil"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
)

// Storage holds named objects in a flat namespace (a directory, a bucket prefix).
type Storage interface {
	// Location is the URI or path of the storage, used in logs and in the ledger.
	Location() string

	// Put writes the object atomically: readers see either the previous contents or the new ones.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads an object. A missing object is a faults.ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns the names of all objects, sorted.
	List(ctx context.Context) ([]string, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
}

// StorageOpener creates the Storage for a location URI of its scheme.
type StorageOpener func(ctx context.Context, uri string) (Storage, error)

var (
	muSchemes    sync.Mutex
	knownSchemes = make(map[string]StorageOpener)
)

// RegisterScheme registers the opener of locations "<scheme>://...". It is meant to be called during package
// initialization, like `import _ "github.com/gomlx/distrain/pkg/train/checkpoints/s3store"`.
func RegisterScheme(scheme string, opener StorageOpener) {
	muSchemes.Lock()
	defer muSchemes.Unlock()
	knownSchemes[strings.ToLower(scheme)] = opener
}

// Schemes returns the registered schemes, sorted.
func Schemes() []string {
	muSchemes.Lock()
	defer muSchemes.Unlock()
	return slices.Sorted(maps.Keys(knownSchemes))
}

// OpenStorage returns the Storage of location: a local directory for plain paths (or "file://" URIs), or the
// backend registered for the URI scheme. An unregistered scheme is a faults.ErrUnsupportedCapability.
func OpenStorage(ctx context.Context, location string) (Storage, error) {
	scheme, rest, isURI := strings.Cut(location, "://")
	if !isURI {
		return NewFileStorage(location)
	}
	scheme = strings.ToLower(scheme)
	if scheme == "file" {
		return NewFileStorage(rest)
	}
	muSchemes.Lock()
	opener, found := knownSchemes[scheme]
	muSchemes.Unlock()
	if !found {
		return nil, faults.Newf(faults.ErrUnsupportedCapability, "no checkpoint storage registered for scheme %q (location %q), known schemes: %v",
			scheme, location, Schemes())
	}
	return opener(ctx, location)
}

// FileStorage stores objects as files in a local directory.
type FileStorage struct {
	dir string
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage returns the Storage for dir, with "~" expanded. The directory is created on the first Put.
func NewFileStorage(dir string) (*FileStorage, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dir: filepath.Clean(dir)}, nil
}

func (s *FileStorage) Location() string { return s.dir }

// Put implements Storage.
func (s *FileStorage) Put(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.dir, fsutil.DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", s.dir)
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.dir, name), data, 0660)
}

// Get implements Storage.
func (s *FileStorage) Get(_ context.Context, name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, faults.Wrapf(faults.ErrNotFound, err, "%q", path)
	}
	return data, errors.Wrapf(err, "failed to read %q", path)
}

// List implements Storage. A missing directory has no objects.
func (s *FileStorage) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoint directory %q", s.dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// Delete implements Storage.
func (s *FileStorage) Delete(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "failed to remove %q", filepath.Join(s.dir, name))
	}
	return nil
}
