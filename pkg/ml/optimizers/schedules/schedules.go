// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedules implements learning rate schedules and a registry to create them by kind.
//
// A schedule advances one tick per optimizer step and pushes the resulting learning rate to its Target
// (normally the optimizer). It is constructed with the total number of ticks expected for the run.
package schedules

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Interface implemented by schedules.
type Interface interface {
	// Kind is the registry tag the schedule was created with.
	Kind() string

	// Tick advances the schedule by one optimizer step and updates the target's learning rate.
	Tick() error

	// Ticks taken so far.
	Ticks() int

	// LearningRate for the next optimizer step.
	LearningRate() float64

	// Snapshot serializes the schedule position.
	Snapshot() ([]byte, error)

	// LoadSnapshot restores a position created by Snapshot of a schedule of the same kind, and updates the target.
	LoadSnapshot(blob []byte) error
}

// Target receives the learning rate. optimizers.Interface implements it.
type Target interface {
	SetLearningRate(lr float64)
}

// Config of a schedule.
type Config struct {
	// MaxLearningRate is the peak (or constant) learning rate.
	MaxLearningRate float64

	// TotalTicks expected over the whole run: epochs * (batches_per_epoch / accumulation_window).
	TotalTicks int
}

// Factory creates a schedule driving target.
type Factory func(target Target, cfg Config) (Interface, error)

// KnownSchedules maps kind tags to factories. Tags are lower case; New lower-cases the requested kind.
var KnownSchedules = map[string]Factory{
	"constant": NewConstant,
	"cosine":   NewCosine,
	"onecycle": NewOneCycle,
}

// Kinds returns the sorted list of registered kinds.
func Kinds() []string {
	return slices.Sorted(maps.Keys(KnownSchedules))
}

// New creates the schedule registered under kind and sets the target's initial learning rate.
func New(kind string, target Target, cfg Config) (Interface, error) {
	factory, found := KnownSchedules[strings.ToLower(kind)]
	if !found {
		return nil, faults.Newf(faults.ErrUnsupportedCapability, "unknown schedule %q, known schedules: %s",
			kind, strings.Join(Kinds(), ", "))
	}
	if cfg.MaxLearningRate <= 0 {
		return nil, faults.Newf(faults.ErrConfiguration, "schedule %q: learning rate must be > 0, got %g", kind, cfg.MaxLearningRate)
	}
	if cfg.TotalTicks < 0 {
		return nil, faults.Newf(faults.ErrConfiguration, "schedule %q: total ticks must be >= 0, got %d", kind, cfg.TotalTicks)
	}
	if cfg.TotalTicks == 0 {
		klog.Warningf("schedule %q created with 0 total ticks: no optimizer steps are expected in this run", kind)
		cfg.TotalTicks = 1
	}
	s, err := factory(target, cfg)
	if err != nil {
		return nil, err
	}
	target.SetLearningRate(s.LearningRate())
	return s, nil
}

// base implements the bookkeeping shared by all schedules: a tick counter and the lr function of the tick.
type base struct {
	kind   string
	target Target
	total  int
	ticks  int
	lrAt   func(tick int) float64
}

func (b *base) Kind() string          { return b.kind }
func (b *base) Ticks() int            { return b.ticks }
func (b *base) LearningRate() float64 { return b.lrAt(b.ticks) }

// Tick implements Interface. Going past the expected total is an error: it means the run takes more steps than
// the schedule was built for.
func (b *base) Tick() error {
	if b.ticks >= b.total {
		return errors.Errorf("schedule %q ticked %d times, but it was created for %d total ticks", b.kind, b.ticks+1, b.total)
	}
	b.ticks++
	b.target.SetLearningRate(b.LearningRate())
	return nil
}

type snapshot struct {
	Kind  string `json:"kind"`
	Ticks int    `json:"ticks"`
	Total int    `json:"total"`
}

// Snapshot implements Interface.
func (b *base) Snapshot() ([]byte, error) {
	blob, err := json.Marshal(snapshot{Kind: b.kind, Ticks: b.ticks, Total: b.total})
	return blob, errors.Wrapf(err, "failed to serialize %s schedule", b.kind)
}

// LoadSnapshot implements Interface.
func (b *base) LoadSnapshot(blob []byte) error {
	var s snapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return errors.Wrapf(err, "failed to parse %s schedule state", b.kind)
	}
	if s.Kind != b.kind {
		return faults.Newf(faults.ErrConfiguration, "schedule state was saved by %q, can't load into %q", s.Kind, b.kind)
	}
	if s.Ticks < 0 || s.Ticks > b.total {
		return errors.Errorf("%s schedule state is at tick %d, outside of [0, %d]", b.kind, s.Ticks, b.total)
	}
	if s.Total != b.total {
		klog.Warningf("%s schedule was saved for %d total ticks, now configured for %d", b.kind, s.Total, b.total)
	}
	b.ticks = s.Ticks
	b.target.SetLearningRate(b.LearningRate())
	return nil
}

// NewConstant creates a schedule that keeps the learning rate at cfg.MaxLearningRate. It implements Factory.
func NewConstant(target Target, cfg Config) (Interface, error) {
	return &base{
		kind:   "constant",
		target: target,
		total:  cfg.TotalTicks,
		lrAt:   func(int) float64 { return cfg.MaxLearningRate },
	}, nil
}
