// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package faults defines the kinds of failures a training run can report.
//
// A classified error carries one of the Err* kinds plus its underlying cause, so both
// errors.Is(err, faults.ErrPersistence) and errors.Is(err, fs.ErrPermission) work on it.
package faults

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration reports an invalid RunConfig or a configuration mismatch against a checkpoint.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedCapability reports an optimizer, schedule, backend or storage kind with no registered implementation.
	ErrUnsupportedCapability = errors.New("unsupported capability")

	// ErrPersistence reports a failure writing a checkpoint.
	ErrPersistence = errors.New("checkpoint persistence error")

	// ErrCorruptCheckpoint reports a checkpoint that exists but can't be decoded.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrNotFound reports a checkpoint that doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCollectiveTimeout reports a collective operation that didn't complete in time.
	ErrCollectiveTimeout = errors.New("collective timeout")
)

// kinds in the order Kind checks them.
var kinds = []error{
	ErrConfiguration, ErrUnsupportedCapability, ErrPersistence, ErrCorruptCheckpoint, ErrNotFound,
	ErrCollectiveTimeout,
}

// classified is an error tagged with a kind.
type classified struct {
	kind  error
	msg   string
	cause error
}

func (e *classified) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
}

// Is matches the kind. The cause is reachable through Unwrap.
func (e *classified) Is(target error) bool { return target == e.kind }

func (e *classified) Unwrap() error { return e.cause }

// Newf creates a new error of the given kind.
func Newf(kind error, format string, args ...any) error {
	return errors.WithStack(&classified{kind: kind, msg: fmt.Sprintf(format, args...)})
}

// Wrapf classifies cause with the given kind and message. It returns nil if cause is nil.
func Wrapf(kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&classified{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause})
}

// Kind returns the first kind err matches, or nil if it isn't classified.
func Kind(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
