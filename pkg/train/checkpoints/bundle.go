// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints persists and restores training checkpoints.
//
// A checkpoint (a Bundle) is saved under a tag: EpochTag(epoch) for the periodic ones, BestTag for the best
// validation score so far. Each tag is stored as two objects in a Storage: "<tag>.bin" with the serialized
// model, optimizer and schedule states, and "<tag>.json" with the metadata (training state, run configuration,
// index and checksum of the data file). The data file is written first, so a metadata file always refers to
// a complete data file.
//
// Only the coordinating rank (rank 0) writes: Store.Save is a no-op on the other ranks. Every rank reads.
//
// Storage backends are selected by the scheme of the checkpoint location: plain paths are local directories,
// other schemes ("s3://", see package s3store) are registered with RegisterScheme.
package checkpoints

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"k8s.io/klog/v2"
)

// Bundle is everything needed to resume a run. It is built on rank 0 for a save and discarded afterward.
type Bundle struct {
	// RunID identifies the run that created the bundle. A resumed run keeps the id.
	RunID     string
	CreatedAt time.Time

	State  State
	Config runconfig.RunConfig

	// OptimizerKind and ScheduleKind are the registry tags the blobs were created with.
	OptimizerKind string
	ScheduleKind  string

	// Model and Optimizer are required. Schedule is optional.
	Model, Optimizer, Schedule []byte
}

const (
	// BestTag is the tag of the checkpoint with the best validation score.
	BestTag = "best"

	// FormatVersion of the checkpoints written by this package. Older versions are read, newer ones are rejected.
	FormatVersion = 1
)

// EpochTag returns the tag of the periodic checkpoint saved after the given number of completed epochs.
func EpochTag(epoch int) string {
	return fmt.Sprintf("checkpoint_%04d", epoch)
}

var epochTagRegex = regexp.MustCompile(`^checkpoint_(\d{4,})$`)

// ParseEpochTag returns the epoch of a periodic checkpoint tag.
func ParseEpochTag(tag string) (epoch int, ok bool) {
	matches := epochTagRegex.FindStringSubmatch(tag)
	if matches == nil {
		return 0, false
	}
	epoch, err := strconv.Atoi(matches[1])
	return epoch, err == nil
}

// CheckCompatible checks that a loaded bundle can resume a run configured with live.
//
// A different optimizer or schedule kind is a faults.ErrConfiguration: the states are never converted from
// one kind to another. Kinds are compared ignoring case, like the registries resolve them. Other differences
// are only logged.
func CheckCompatible(live runconfig.RunConfig, b *Bundle) error {
	if !strings.EqualFold(b.OptimizerKind, strings.TrimSpace(live.Optimizer)) {
		return faults.Newf(faults.ErrConfiguration, "checkpoint has optimizer %q, run is configured with %q",
			b.OptimizerKind, live.Optimizer)
	}
	if b.ScheduleKind != "" && !strings.EqualFold(b.ScheduleKind, strings.TrimSpace(live.Schedule)) {
		return faults.Newf(faults.ErrConfiguration, "checkpoint has schedule %q, run is configured with %q",
			b.ScheduleKind, live.Schedule)
	}
	saved := b.Config
	if saved.BatchSize != live.BatchSize || saved.GradAccumSteps != live.GradAccumSteps {
		klog.Warningf("resuming with batch_size=%d, grad_accum_steps=%d, checkpoint used batch_size=%d, grad_accum_steps=%d",
			live.BatchSize, live.GradAccumSteps, saved.BatchSize, saved.GradAccumSteps)
	}
	if saved.Epochs != live.Epochs {
		klog.Infof("resuming with epochs=%d, checkpoint run was configured with epochs=%d", live.Epochs, saved.Epochs)
	}
	return nil
}
