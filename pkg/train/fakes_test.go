// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"context"
	"iter"
	"sync"
	"testing"

	"github.com/gomlx/distrain/pkg/distributed"
	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/gomlx/distrain/pkg/ml/data"
	"github.com/gomlx/distrain/pkg/ml/models/linear"
	"github.com/gomlx/distrain/pkg/ml/params"
	"github.com/gomlx/distrain/pkg/train"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// scriptedModel returns the losses of its script, in a loop, and records the scales of the backward passes.
type scriptedModel struct {
	losses   []float64
	next     int
	param    *params.Parameter
	training []bool
	scales   []float64
}

func newScriptedModel(losses ...float64) *scriptedModel {
	return &scriptedModel{losses: losses, param: params.New("p", []float64{0})}
}

type scriptedLoss struct {
	m     *scriptedModel
	value float64
}

func (l *scriptedLoss) Value() float64 { return l.value }

func (l *scriptedLoss) Backward(scale float64) error {
	l.m.scales = append(l.m.scales, scale)
	l.m.param.Grad[0] += scale
	return nil
}

func (m *scriptedModel) SetTraining(training bool) { m.training = append(m.training, training) }

func (m *scriptedModel) Forward(context.Context, data.Batch) (train.Loss, error) {
	loss := &scriptedLoss{m: m, value: m.losses[m.next%len(m.losses)]}
	m.next++
	return loss, nil
}

func (m *scriptedModel) Parameters() []*params.Parameter { return []*params.Parameter{m.param} }
func (m *scriptedModel) Snapshot() ([]byte, error)       { return []byte("scripted"), nil }
func (m *scriptedModel) LoadSnapshot([]byte) error       { return nil }

// fixedSource yields numBatches empty batches per epoch, and records the epochs requested.
type fixedSource struct {
	numBatches int
	epochs     []int
}

func (s *fixedSource) NumBatches() int { return s.numBatches }

func (s *fixedSource) Epoch(_ context.Context, epoch int) iter.Seq2[data.Batch, error] {
	s.epochs = append(s.epochs, epoch)
	return func(yield func(data.Batch, error) bool) {
		for range s.numBatches {
			if !yield(data.Batch{}, nil) {
				return
			}
		}
	}
}

// testConfig returns a small configuration writing checkpoints to a temporary directory.
func testConfig(t *testing.T) runconfig.RunConfig {
	cfg := runconfig.Default()
	cfg.CheckpointDir = t.TempDir()
	cfg.Epochs = 3
	cfg.BatchSize = 2
	cfg.LearningRate = 0.05
	cfg.NumWorkers = 0
	cfg.Backend = "local"
	return cfg
}

// linearBuild builds a linear model over synthetic data, with numExamples training examples split over the
// ranks, and an optional validation set.
func linearBuild(numExamples int, withValidation bool) train.BuildFn {
	return func(ctx context.Context, setup train.Setup) (*train.Components, error) {
		cfg := setup.Config
		loaderConfig := data.LoaderConfig{
			BatchSize:  cfg.BatchSize,
			Rank:       setup.Env.Rank(),
			WorldSize:  setup.Env.WorldSize(),
			Shuffle:    true,
			Seed:       cfg.Seed,
			NumWorkers: cfg.NumWorkers,
			PadValue:   cfg.PadValue,
		}
		trainDS, _ := data.SyntheticRegression("train", data.SyntheticConfig{Examples: numExamples, Features: 3, Noise: 0.01, Seed: 1})
		trainLoader, err := data.NewLoader(trainDS, loaderConfig)
		if err != nil {
			return nil, err
		}
		model, err := linear.New(3, setup.Rand)
		if err != nil {
			return nil, err
		}
		components := &train.Components{Model: model, Train: trainLoader}
		if withValidation {
			validDS, _ := data.SyntheticRegression("validation", data.SyntheticConfig{Examples: 8, Features: 3, Noise: 0.01, Seed: 1})
			loaderConfig.Shuffle = false
			components.Validation, err = data.NewLoader(validDS, loaderConfig)
			if err != nil {
				return nil, err
			}
		}
		return components, nil
	}
}

// scriptedBuild builds the given model and training source, the same on all ranks.
func scriptedBuild(model train.Model, source train.DataSource) train.BuildFn {
	return func(context.Context, train.Setup) (*train.Components, error) {
		return &train.Components{Model: model, Train: source}, nil
	}
}

type worldResult struct {
	coordinators []*train.Coordinator
	states       []train.State
	errs         []error
}

// runWorld runs one Coordinator per rank over an in-process collective group. setup, if given, is called
// for each Coordinator before it runs.
func runWorld(t *testing.T, world int, cfg runconfig.RunConfig, build func(rank int) train.BuildFn,
	setup func(c *train.Coordinator), options ...train.Option) worldResult {
	return runWorldWithOptions(t, world, cfg, build, setup, func(int) []train.Option { return options })
}

// runWorldWithOptions is like runWorld, with options specific to each rank.
func runWorldWithOptions(t *testing.T, world int, cfg runconfig.RunConfig, build func(rank int) train.BuildFn,
	setup func(c *train.Coordinator), rankOptions func(rank int) []train.Option) worldResult {
	channels := collective.NewLocalGroup(world)
	r := worldResult{
		coordinators: make([]*train.Coordinator, world),
		states:       make([]train.State, world),
		errs:         make([]error, world),
	}
	for rank := range world {
		env, err := distributed.New(rank, world)
		require.NoError(t, err)
		r.coordinators[rank] = train.NewCoordinator(env, cfg, channels[rank], build(rank), rankOptions(rank)...)
		if setup != nil {
			setup(r.coordinators[rank])
		}
	}
	var g errgroup.Group
	for rank := range world {
		g.Go(func() error {
			r.states[rank], r.errs[rank] = r.coordinators[rank].Run(context.Background())
			return nil
		})
	}
	_ = g.Wait()
	return r
}

func sameBuild(build train.BuildFn) func(int) train.BuildFn {
	return func(int) train.BuildFn { return build }
}

// failingStore fails the first `failures` saves (all of them if negative).
type failingStore struct {
	mu       sync.Mutex
	failures int
	saved    []string
}

func (s *failingStore) Save(_ context.Context, _ *checkpoints.Bundle, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures != 0 {
		s.failures--
		return faults.Newf(faults.ErrPersistence, "disk full saving %q", tag)
	}
	s.saved = append(s.saved, tag)
	return nil
}

func (s *failingStore) Load(_ context.Context, tag string) (*checkpoints.Bundle, error) {
	return nil, faults.Newf(faults.ErrNotFound, "%q", tag)
}

func (s *failingStore) Latest(context.Context) (string, error) {
	return "", faults.Newf(faults.ErrNotFound, "no checkpoints")
}

// bundleStore serves the same bundle for any tag, and saves nothing.
type bundleStore struct {
	bundle *checkpoints.Bundle
}

func (s *bundleStore) Save(context.Context, *checkpoints.Bundle, string) error { return nil }

func (s *bundleStore) Load(context.Context, string) (*checkpoints.Bundle, error) {
	b := *s.bundle
	return &b, nil
}

func (s *bundleStore) Latest(context.Context) (string, error) {
	return checkpoints.EpochTag(s.bundle.State.Epoch), nil
}
