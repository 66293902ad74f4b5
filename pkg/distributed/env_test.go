// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"testing"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestFromEnv(t *testing.T) {
	env, err := fromLookup(lookupFrom(map[string]string{
		EnvRank: "3", EnvWorldSize: "4", EnvLocalRank: "1", EnvMasterAddr: "10.0.0.2", EnvMasterPort: "1234",
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, env.Rank())
	assert.Equal(t, 4, env.WorldSize())
	assert.Equal(t, 1, env.LocalRank())
	assert.Equal(t, "cpu:1", env.Device())
	assert.Equal(t, "10.0.0.2:1234", env.RendezvousAddr())
	assert.False(t, env.IsCoordinator())
	assert.Equal(t, "rank 3/4 (local 1, device cpu:1)", env.String())
}

func TestFromEnvDefaults(t *testing.T) {
	env, err := fromLookup(lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, env.Rank())
	assert.Equal(t, 1, env.WorldSize())
	assert.True(t, env.IsCoordinator())
	assert.Equal(t, "127.0.0.1:29500", env.RendezvousAddr())

	env, err = fromLookup(lookupFrom(map[string]string{EnvDevice: "gpu:0"}))
	require.NoError(t, err)
	assert.Equal(t, "gpu:0", env.Device())
}

func TestFromEnvErrors(t *testing.T) {
	for name, vars := range map[string]map[string]string{
		"rank only":      {EnvRank: "0"},
		"bad rank":       {EnvRank: "x", EnvWorldSize: "2"},
		"rank too large": {EnvRank: "2", EnvWorldSize: "2"},
		"zero world":     {EnvRank: "0", EnvWorldSize: "0"},
		"bad port":       {EnvMasterPort: "70000"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := fromLookup(lookupFrom(vars))
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrConfiguration))
		})
	}
}

func TestWithCopies(t *testing.T) {
	env, err := New(1, 2)
	require.NoError(t, err)
	moved := env.WithRendezvous("localhost", 4000).WithDevice("gpu:1")
	assert.Equal(t, "localhost:4000", moved.RendezvousAddr())
	assert.Equal(t, "gpu:1", moved.Device())
	assert.Equal(t, "cpu:1", env.Device(), "original must be unchanged")
}
