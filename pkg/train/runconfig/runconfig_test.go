// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) RunConfig {
	cfg := Default()
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	return cfg
}

func TestDefaultIsValid(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())
	info, err := os.Stat(cfg.CheckpointDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*RunConfig){
		"zero window":          func(c *RunConfig) { c.GradAccumSteps = 0 },
		"negative window":      func(c *RunConfig) { c.GradAccumSteps = -2 },
		"zero checkpoint freq": func(c *RunConfig) { c.CheckpointFreq = 0 },
		"zero validation freq": func(c *RunConfig) { c.ValidationFreq = 0 },
		"negative clip":        func(c *RunConfig) { c.GradClipNorm = -1 },
		"zero batch":           func(c *RunConfig) { c.BatchSize = 0 },
		"no optimizer":         func(c *RunConfig) { c.Optimizer = "" },
		"keep zero":            func(c *RunConfig) { c.KeepCheckpoints = 0 },
		"bad compression":      func(c *RunConfig) { c.Compression = "zstd" },
		"empty checkpoint dir": func(c *RunConfig) { c.CheckpointDir = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrConfiguration), "got %v", err)
		})
	}
}

func TestValidateUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0500))
	defer func() { _ = os.Chmod(parent, 0700) }()
	cfg := testConfig(t)
	cfg.CheckpointDir = filepath.Join(parent, "checkpoints")
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestRemoteCheckpointDirIsNotProbed(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckpointDir = "s3://bucket/run-1"
	require.NoError(t, cfg.Validate())
}

func TestApplySettings(t *testing.T) {
	cfg := Default()
	keys, err := cfg.ApplySettings("epochs=1_000;optimizer=sgd; grad_clip_norm=0;collective_timeout=30s")
	require.NoError(t, err)
	assert.Equal(t, []string{"epochs", "optimizer", "grad_clip_norm", "collective_timeout"}, keys)
	assert.Equal(t, 1000, cfg.Epochs)
	assert.Equal(t, "sgd", cfg.Optimizer)
	assert.Equal(t, 0.0, cfg.GradClipNorm)
	assert.Equal(t, Duration(30*time.Second), cfg.CollectiveTimeout)

	_, err = cfg.ApplySettings("no_such_key=1")
	require.Error(t, err)
	_, err = cfg.ApplySettings("epochs")
	require.Error(t, err)
	_, err = cfg.ApplySettings("epochs=ten")
	require.Error(t, err)
}

func TestApplySettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nepochs=3\n\nbatch_size=2;seed=7\n"), 0644))
	cfg := Default()
	keys, err := cfg.ApplySettings("file:" + path)
	require.NoError(t, err)
	assert.Equal(t, []string{"epochs", "batch_size", "seed"}, keys)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, int64(7), cfg.Seed)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	yamlText := "epochs: 5\ngrad_accum_steps: 2\noptimizer: AdamW\nschedule: OneCycle\ncollective_timeout: 1m\n" +
		"checkpoint_dir: " + filepath.Join(dir, "ckpt") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0644))

	cfg, err := Load(path, "checkpoint_freq=2")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, 2, cfg.GradAccumSteps)
	assert.Equal(t, 2, cfg.CheckpointFreq)
	assert.Equal(t, "adamw", cfg.Optimizer)
	assert.Equal(t, "onecycle", cfg.Schedule)
	assert.Equal(t, Duration(time.Minute), cfg.CollectiveTimeout)
	assert.Equal(t, 8, cfg.BatchSize, "unset fields keep their defaults")

	require.NoError(t, os.WriteFile(path, []byte("epochz: 5\n"), 0644))
	_, err = Load(path, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))

	_, err = Load(filepath.Join(dir, "missing.yaml"), "")
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestString(t *testing.T) {
	cfg := Default()
	cfg.LedgerDSN = "postgres://user:secret@db/ledger"
	out := cfg.String()
	assert.Contains(t, out, "optimizer: adamw")
	assert.NotContains(t, out, "secret")
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "grad_accum_steps")
	assert.Contains(t, keys, "resume_source")
	assert.IsNonDecreasing(t, keys)
}

func TestGet(t *testing.T) {
	cfg := Default()
	value, found := cfg.Get("grad_accum_steps")
	require.True(t, found)
	assert.Equal(t, 1, value)
	value, found = cfg.Get("collective_timeout")
	require.True(t, found)
	assert.Equal(t, Duration(0), value)
	_, found = cfg.Get("nope")
	assert.False(t, found)
}
