// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed holds the identity of a process within a distributed run.
//
// The identity is established once at process start, typically from the environment set by a launcher
// (torchrun style: RANK, WORLD_SIZE, LOCAL_RANK, MASTER_ADDR, MASTER_PORT), and then passed explicitly to
// whatever needs it.
package distributed

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/gomlx/distrain/pkg/train/faults"
)

// Environment variables read by FromEnv.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvLocalRank  = "LOCAL_RANK"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
	EnvDevice     = "DISTRAIN_DEVICE"
)

// DefaultMasterPort is used if MASTER_PORT is not set.
const DefaultMasterPort = 29500

// CoordinatorRank is the rank that hosts the rendezvous and writes checkpoints.
const CoordinatorRank = 0

// Env is the identity of one rank. It never changes after construction.
type Env struct {
	rank, worldSize, localRank int
	device                     string
	masterAddr                 string
	masterPort                 int
}

// New creates an Env for the given rank and world size, with LocalRank equal to rank, the device "cpu:<rank>"
// and the rendezvous at 127.0.0.1:DefaultMasterPort.
func New(rank, worldSize int) (*Env, error) {
	if worldSize <= 0 {
		return nil, faults.Newf(faults.ErrConfiguration, "world size must be > 0, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, faults.Newf(faults.ErrConfiguration, "rank %d out of range for world size %d", rank, worldSize)
	}
	return &Env{
		rank:       rank,
		worldSize:  worldSize,
		localRank:  rank,
		device:     fmt.Sprintf("cpu:%d", rank),
		masterAddr: "127.0.0.1",
		masterPort: DefaultMasterPort,
	}, nil
}

// FromEnv reads the identity from the process environment. RANK and WORLD_SIZE default to a single-process
// world (0 and 1) when both are unset; setting only one of them is an error.
func FromEnv() (*Env, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (*Env, error) {
	intVar := func(name string, defaultValue int) (int, bool, error) {
		str, found := lookup(name)
		if !found || str == "" {
			return defaultValue, false, nil
		}
		v, err := strconv.Atoi(str)
		if err != nil {
			return 0, true, faults.Wrapf(faults.ErrConfiguration, err, "invalid %s=%q", name, str)
		}
		return v, true, nil
	}
	rank, rankSet, err := intVar(EnvRank, 0)
	if err != nil {
		return nil, err
	}
	worldSize, worldSet, err := intVar(EnvWorldSize, 1)
	if err != nil {
		return nil, err
	}
	if rankSet != worldSet {
		return nil, faults.Newf(faults.ErrConfiguration, "%s and %s must be set together", EnvRank, EnvWorldSize)
	}
	env, err := New(rank, worldSize)
	if err != nil {
		return nil, err
	}
	if env.localRank, _, err = intVar(EnvLocalRank, rank); err != nil {
		return nil, err
	}
	if env.localRank < 0 {
		return nil, faults.Newf(faults.ErrConfiguration, "%s must be >= 0, got %d", EnvLocalRank, env.localRank)
	}
	env.device = fmt.Sprintf("cpu:%d", env.localRank)
	if device, found := lookup(EnvDevice); found && device != "" {
		env.device = device
	}
	if addr, found := lookup(EnvMasterAddr); found && addr != "" {
		env.masterAddr = addr
	}
	if env.masterPort, _, err = intVar(EnvMasterPort, DefaultMasterPort); err != nil {
		return nil, err
	}
	if env.masterPort <= 0 || env.masterPort > 65535 {
		return nil, faults.Newf(faults.ErrConfiguration, "invalid %s=%d", EnvMasterPort, env.masterPort)
	}
	return env, nil
}

// WithDevice returns a copy of the Env bound to the given device.
func (e *Env) WithDevice(device string) *Env {
	c := *e
	c.device = device
	return &c
}

// WithRendezvous returns a copy of the Env with the given rendezvous address.
func (e *Env) WithRendezvous(addr string, port int) *Env {
	c := *e
	c.masterAddr, c.masterPort = addr, port
	return &c
}

// Rank of this process in [0, WorldSize).
func (e *Env) Rank() int { return e.rank }

// WorldSize is the number of ranks in the run.
func (e *Env) WorldSize() int { return e.worldSize }

// LocalRank is the index of this process within its host.
func (e *Env) LocalRank() int { return e.localRank }

// Device this rank is bound to.
func (e *Env) Device() string { return e.device }

// IsCoordinator returns whether this is the rank that writes checkpoints and hosts the rendezvous.
func (e *Env) IsCoordinator() bool { return e.rank == CoordinatorRank }

// RendezvousAddr is the "host:port" where the coordinating rank listens.
func (e *Env) RendezvousAddr() string {
	return net.JoinHostPort(e.masterAddr, strconv.Itoa(e.masterPort))
}

// String implements fmt.Stringer.
func (e *Env) String() string {
	return fmt.Sprintf("rank %d/%d (local %d, device %s)", e.rank, e.worldSize, e.localRank, e.device)
}
