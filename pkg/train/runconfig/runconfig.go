// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runconfig holds the configuration of a distributed training run.
//
// A RunConfig is assembled once per process: defaults, then an optional YAML file, then "key=value;..."
// overrides (see ApplySettings). After Validate it is treated as immutable and passed around by value.
package runconfig

import (
	"math"
	"os"
	"strings"
	"time"

	"github.com/gomlx/distrain/pkg/support/fsutil"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ResumeLatest as RunConfig.ResumeSource resumes from the most recent periodic checkpoint in CheckpointDir.
const ResumeLatest = "latest"

// RunConfig is the configuration of one training run. The yaml names are also the keys accepted by ApplySettings.
type RunConfig struct {
	Epochs         int     `yaml:"epochs" json:"epochs"`
	BatchSize      int     `yaml:"batch_size" json:"batch_size"`
	LearningRate   float64 `yaml:"learning_rate" json:"learning_rate"`
	GradAccumSteps int     `yaml:"grad_accum_steps" json:"grad_accum_steps"`
	GradClipNorm   float64 `yaml:"grad_clip_norm" json:"grad_clip_norm"`
	WeightDecay    float64 `yaml:"weight_decay" json:"weight_decay"`

	// Optimizer and Schedule are kind tags resolved by the optimizers and schedules registries.
	Optimizer string `yaml:"optimizer" json:"optimizer"`
	Schedule  string `yaml:"schedule" json:"schedule"`

	DataDir       string `yaml:"data_dir" json:"data_dir"`
	CheckpointDir string `yaml:"checkpoint_dir" json:"checkpoint_dir"`

	// ResumeSource is a checkpoint path or URI, or ResumeLatest. Empty starts from scratch.
	ResumeSource string `yaml:"resume_source" json:"resume_source"`

	NumWorkers int     `yaml:"num_workers" json:"num_workers"`
	PadValue   float64 `yaml:"pad_value" json:"pad_value"`
	Seed       int64   `yaml:"seed" json:"seed"`
	Backend    string  `yaml:"backend" json:"backend"`

	CheckpointFreq int `yaml:"checkpoint_freq" json:"checkpoint_freq"`
	ValidationFreq int `yaml:"validation_freq" json:"validation_freq"`

	// KeepCheckpoints is the number of periodic checkpoints kept. -1 keeps all. The "best" checkpoint is never pruned.
	KeepCheckpoints int `yaml:"keep_checkpoints" json:"keep_checkpoints"`

	// Compression of the checkpoint data file: "gzip" or "none".
	Compression string `yaml:"compression" json:"compression"`

	// MaxCheckpointFailures is the number of consecutive failed saves tolerated before the run is aborted.
	MaxCheckpointFailures int `yaml:"max_checkpoint_failures" json:"max_checkpoint_failures"`

	// CollectiveTimeout bounds each collective call. 0 waits forever.
	CollectiveTimeout Duration `yaml:"collective_timeout" json:"collective_timeout"`

	LedgerDSN   string `yaml:"ledger_dsn" json:"-"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Default returns the configuration used when nothing is overridden.
func Default() RunConfig {
	return RunConfig{
		Epochs:                100,
		BatchSize:             8,
		LearningRate:          3e-4,
		GradAccumSteps:        1,
		GradClipNorm:          1.0,
		WeightDecay:           0.01,
		Optimizer:             "adamw",
		Schedule:              "onecycle",
		DataDir:               "data",
		CheckpointDir:         "checkpoints",
		NumWorkers:            4,
		Seed:                  42,
		Backend:               "grpc",
		CheckpointFreq:        1,
		ValidationFreq:        1,
		KeepCheckpoints:       -1,
		Compression:           "gzip",
		MaxCheckpointFailures: 3,
	}
}

// Load builds a RunConfig from the defaults, the YAML file at path (if not empty) and the settings overrides
// (if not empty), and validates it.
func Load(path, settings string) (RunConfig, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return cfg, err
	}
	if settings != "" {
		if _, err := cfg.ApplySettings(settings); err != nil {
			return cfg, faults.Wrapf(faults.ErrConfiguration, err, "invalid settings")
		}
	}
	cfg, err = cfg.Normalize()
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// FromFile returns the defaults overridden by the YAML file at path, if path is not empty. Unknown keys are
// an error. The result is not normalized nor validated.
func FromFile(path string) (RunConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	return cfg, cfg.mergeFile(path)
}

func (c *RunConfig) mergeFile(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return faults.Wrapf(faults.ErrConfiguration, err, "config file %q", path)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return faults.Wrapf(faults.ErrConfiguration, err, "failed to read config file %q", path)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(contents)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return faults.Wrapf(faults.ErrConfiguration, err, "failed to parse config file %q", path)
	}
	return nil
}

// Normalize returns a copy with kind tags lower-cased and "~" expanded in local paths.
func (c RunConfig) Normalize() (RunConfig, error) {
	c.Optimizer = strings.ToLower(strings.TrimSpace(c.Optimizer))
	c.Schedule = strings.ToLower(strings.TrimSpace(c.Schedule))
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	var err error
	for _, p := range []*string{&c.DataDir, &c.CheckpointDir, &c.ResumeSource} {
		if IsRemote(*p) {
			continue
		}
		*p, err = fsutil.ReplaceTildeInDir(*p)
		if err != nil {
			return c, faults.Wrapf(faults.ErrConfiguration, err, "invalid path")
		}
	}
	return c, nil
}

// IsRemote returns whether path is a URI ("scheme://...") rather than a local path.
func IsRemote(path string) bool {
	return strings.Contains(path, "://")
}

// Validate checks the invariants of the configuration. A local CheckpointDir is created if missing and must be
// writable.
//
// All failures are faults.ErrConfiguration.
func (c RunConfig) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return faults.Newf(faults.ErrConfiguration, format, args...)
	}
	checks := []error{
		check(c.Epochs >= 0, "epochs must be >= 0, got %d", c.Epochs),
		check(c.BatchSize > 0, "batch_size must be > 0, got %d", c.BatchSize),
		check(c.LearningRate > 0 && !math.IsInf(c.LearningRate, 0), "learning_rate must be a positive number, got %g", c.LearningRate),
		check(c.GradAccumSteps > 0, "grad_accum_steps must be > 0, got %d", c.GradAccumSteps),
		check(c.GradClipNorm >= 0, "grad_clip_norm must be >= 0 (0 disables clipping), got %g", c.GradClipNorm),
		check(c.WeightDecay >= 0, "weight_decay must be >= 0, got %g", c.WeightDecay),
		check(c.Optimizer != "", "optimizer kind must be set"),
		check(c.Schedule != "", "schedule kind must be set"),
		check(c.Backend != "", "backend must be set"),
		check(c.NumWorkers >= 0, "num_workers must be >= 0, got %d", c.NumWorkers),
		check(c.CheckpointFreq > 0, "checkpoint_freq must be > 0, got %d", c.CheckpointFreq),
		check(c.ValidationFreq > 0, "validation_freq must be > 0, got %d", c.ValidationFreq),
		check(c.KeepCheckpoints == -1 || c.KeepCheckpoints > 0, "keep_checkpoints must be -1 or > 0, got %d", c.KeepCheckpoints),
		check(c.Compression == "gzip" || c.Compression == "none", "compression must be \"gzip\" or \"none\", got %q", c.Compression),
		check(c.MaxCheckpointFailures > 0, "max_checkpoint_failures must be > 0, got %d", c.MaxCheckpointFailures),
		check(c.CollectiveTimeout >= 0, "collective_timeout must be >= 0, got %s", c.CollectiveTimeout),
		check(c.CheckpointDir != "", "checkpoint_dir must be set"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if !IsRemote(c.CheckpointDir) {
		if err := fsutil.EnsureWritableDir(c.CheckpointDir); err != nil {
			return faults.Wrapf(faults.ErrConfiguration, err, "checkpoint_dir %q", c.CheckpointDir)
		}
	}
	return nil
}

// String returns the configuration in YAML, for logging.
func (c RunConfig) String() string {
	if c.LedgerDSN != "" {
		c.LedgerDSN = "<redacted>"
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to format RunConfig").Error()
	}
	return string(out)
}

// Duration is a time.Duration that reads and writes as text ("30s", "2m") in YAML and JSON.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
