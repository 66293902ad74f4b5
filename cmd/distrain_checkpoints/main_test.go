// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func saveCheckpoints(t *testing.T) string {
	dir := t.TempDir()
	storage, err := checkpoints.NewFileStorage(dir)
	require.NoError(t, err)
	store := checkpoints.NewStore(storage, 0)
	ctx := context.Background()
	for epoch := 1; epoch <= 2; epoch++ {
		cfg := runconfig.Default()
		cfg.Epochs = 10 * epoch
		b := &checkpoints.Bundle{
			RunID:         "run-1",
			State:         checkpoints.State{Epoch: epoch, GlobalStep: int64(1000 * epoch), BestScore: math.Inf(1)},
			Config:        cfg,
			OptimizerKind: cfg.Optimizer,
			ScheduleKind:  cfg.Schedule,
			Model:         []byte("model weights"),
			Optimizer:     []byte(`{"kind":"adamw"}`),
		}
		require.NoError(t, store.Save(ctx, b, checkpoints.EpochTag(epoch)))
	}
	return dir
}

func TestReport(t *testing.T) {
	dir := saveCheckpoints(t)
	var buf bytes.Buffer
	opts := reportOptions{Summary: true, Config: true, Blobs: true}
	require.NoError(t, report(context.Background(), &buf, dir, nil, opts))
	out := buf.String()
	for _, want := range []string{"Summary", "checkpoint_0001", "checkpoint_0002", "run-1", "1,000", "2,000", "adamw",
		"Run configuration", "epochs", "20", "Blobs", "model"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "ledger_dsn")

	// Only the requested tag.
	buf.Reset()
	require.NoError(t, report(context.Background(), &buf, dir, []string{"checkpoint_0002"}, reportOptions{Summary: true}))
	assert.NotContains(t, buf.String(), "checkpoint_0001")

	// Unknown tag.
	require.Error(t, report(context.Background(), &buf, dir, []string{"best"}, opts))

	// Empty location.
	err := report(context.Background(), &buf, t.TempDir(), nil, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoints found")
}

func TestInfoTable(t *testing.T) {
	assert.False(t, differ([]string{}))
	assert.False(t, differ([]string{"a", "a"}))
	assert.True(t, differ([]string{"a", "a", "b"}))

	table := newInfoTable(lipgloss.Right, lipgloss.Left)
	assert.Equal(t, lipgloss.Right, table.alignment(0))
	assert.Equal(t, lipgloss.Left, table.alignment(1))
	assert.Equal(t, lipgloss.Left, table.alignment(5))
	assert.Equal(t, lipgloss.Left, newInfoTable().alignment(2))

	table.header("key", "value")
	table.add(false, "epochs", "10")
	table.add(true, "seed", "42")
	var buf bytes.Buffer
	table.print(&buf)
	out := buf.String()
	for _, cell := range []string{"key", "value", "epochs", "10", "seed", "42"} {
		assert.Contains(t, out, cell)
	}
	assert.Equal(t, []bool{false, true}, table.differs)
}

func TestConfigYAML(t *testing.T) {
	dir := saveCheckpoints(t)
	var buf bytes.Buffer
	require.NoError(t, report(context.Background(), &buf, dir, []string{"checkpoint_0001"}, reportOptions{YAML: true}))
	out := buf.String()
	assert.Contains(t, out, `# Run configuration of checkpoint "checkpoint_0001"`)

	var cfg runconfig.RunConfig
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &cfg))
	assert.Equal(t, 10, cfg.Epochs)
	assert.Equal(t, runconfig.Default().Optimizer, cfg.Optimizer)
}

type fakeLedger map[string][]checkpoints.Record

func (l fakeLedger) List(_ context.Context, runID string) ([]checkpoints.Record, error) {
	return l[runID], nil
}

func TestLedgerRecords(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := fakeLedger{
		"run-1": {
			{RunID: "run-1", Tag: "checkpoint_0001", Location: "/ckpt", Epoch: 1, GlobalStep: 1500, BestScore: math.Inf(1),
				Bytes: 2048, CreatedAt: created},
			{RunID: "run-1", Tag: "best", Location: "/ckpt", Epoch: 1, GlobalStep: 1500, BestScore: 0.125,
				Bytes: 2048, CreatedAt: created},
		},
	}
	metas := []*checkpoints.Metadata{{RunID: "run-1"}, {RunID: "run-1"}, {RunID: "run-2"}}
	var buf bytes.Buffer
	require.NoError(t, LedgerRecords(context.Background(), &buf, ledger, metas))
	out := buf.String()
	assert.Contains(t, out, "Ledger")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "0.125")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "2026-03-01 12:00:00")
}
