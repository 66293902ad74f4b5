// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/distrain/pkg/distributed"
	"github.com/gomlx/distrain/pkg/train/faults"
)

// Opener creates the endpoint of env's rank for a backend.
type Opener func(env *distributed.Env) (Channel, error)

// KnownBackends maps backend tags to their Opener. Register new ones during package initialization.
var KnownBackends = map[string]Opener{
	"grpc":  OpenGRPC,
	"local": openLocal,
}

// openLocal serves single-process worlds. Multi-rank in-process groups are created with NewLocalGroup.
func openLocal(env *distributed.Env) (Channel, error) {
	if env.WorldSize() != 1 {
		return nil, faults.Newf(faults.ErrConfiguration,
			"backend \"local\" only serves a world of size 1 per process, got world size %d", env.WorldSize())
	}
	return NewLocalGroup(1)[0], nil
}

// Open returns env's endpoint using the backend registered under the given tag.
func Open(backend string, env *distributed.Env) (Channel, error) {
	opener, found := KnownBackends[backend]
	if !found {
		return nil, faults.Newf(faults.ErrUnsupportedCapability, "unknown collective backend %q, known backends: %s",
			backend, strings.Join(slices.Sorted(maps.Keys(KnownBackends)), ", "))
	}
	return opener(env)
}
