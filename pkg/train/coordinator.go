// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/distrain/pkg/distributed"
	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/gomlx/distrain/pkg/ml/optimizers"
	"github.com/gomlx/distrain/pkg/ml/optimizers/schedules"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Setup is what a BuildFn gets to create the rank's model and data sources.
type Setup struct {
	Env    *distributed.Env
	Config runconfig.RunConfig

	// Rand is the rank's random number generator, seeded with Config.Seed + rank.
	Rand *rand.Rand
}

// Components created by a BuildFn.
type Components struct {
	Model Model
	Train DataSource

	// Validation is optional: leave it nil to disable validation.
	Validation DataSource
}

// BuildFn creates the model and data sources of a rank. It is called once per run, during INIT.
type BuildFn func(ctx context.Context, setup Setup) (*Components, error)

// Coordinator drives the training run of one rank: INIT, an optional RESUME, the epoch loop (train, validate,
// checkpoint) and TEARDOWN. Every rank runs its own Coordinator, and they keep in lockstep through the
// collective channel.
//
// Create it with NewCoordinator, attach hooks, and call Run once.
type Coordinator struct {
	env     *distributed.Env
	cfg     runconfig.RunConfig
	channel collective.Channel
	build   BuildFn

	store  CheckpointStore
	ledger checkpoints.Ledger

	state      State
	runID      string
	model      Model
	trainData  DataSource
	validation DataSource
	optimizer  optimizers.Interface
	schedule   schedules.Interface

	// saveFailures counts consecutive failed saves, as reported by rank 0.
	saveFailures int

	onStep       *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd   *priorityHooks[*hookWithName[OnEpochEndFn]]
	onValidation *priorityHooks[*hookWithName[OnValidationFn]]
	onCheckpoint *priorityHooks[*hookWithName[OnCheckpointFn]]
}

// Option configures a Coordinator.
type Option func(c *Coordinator)

// WithStore overrides the checkpoint store, by default opened from RunConfig.CheckpointDir.
func WithStore(store CheckpointStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithLedger reports the saved checkpoints to ledger. It is ignored if WithStore is used.
func WithLedger(ledger checkpoints.Ledger) Option {
	return func(c *Coordinator) { c.ledger = ledger }
}

// NewCoordinator creates the Coordinator of the rank described by env. It takes ownership of ch: Run always
// closes it.
func NewCoordinator(env *distributed.Env, cfg runconfig.RunConfig, ch collective.Channel, build BuildFn, options ...Option) *Coordinator {
	c := &Coordinator{
		env:          env,
		cfg:          cfg,
		channel:      collective.WithTimeout(ch, cfg.CollectiveTimeout.Std()),
		build:        build,
		state:        NewState(),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:   newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onValidation: newPriorityHooks[*hookWithName[OnValidationFn]](),
		onCheckpoint: newPriorityHooks[*hookWithName[OnCheckpointFn]](),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Env of the rank.
func (c *Coordinator) Env() *distributed.Env { return c.env }

// Config of the run.
func (c *Coordinator) Config() runconfig.RunConfig { return c.cfg }

// State returns the current training state.
func (c *Coordinator) State() State { return c.state }

// RunID identifies the run in checkpoints and the ledger. A resumed run keeps the id of its checkpoint.
func (c *Coordinator) RunID() string { return c.runID }

// Model built for the run, nil before INIT.
func (c *Coordinator) Model() Model { return c.model }

// Optimizer created for the run, nil before INIT.
func (c *Coordinator) Optimizer() optimizers.Interface { return c.optimizer }

// StepsPerEpoch is the number of optimizer steps per epoch, 0 before INIT.
func (c *Coordinator) StepsPerEpoch() int {
	if c.trainData == nil {
		return 0
	}
	return c.trainData.NumBatches() / c.cfg.GradAccumSteps
}

func (c *Coordinator) stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Rank: c.env.Rank(), Stage: stage, Epoch: c.state.Epoch, Err: err}
}

// Run the training and return the final state. The channel is closed on return, also on failure.
//
// Errors are *StageError naming the rank and stage, wrapping a cause classified by package faults where
// applicable.
func (c *Coordinator) Run(ctx context.Context) (state State, err error) {
	defer func() {
		closeErr := c.channel.Close()
		if closeErr != nil {
			if err == nil {
				err = c.stageError(StageTeardown, closeErr)
			} else {
				klog.Warningf("rank %d: failed to close collective channel: %+v", c.env.Rank(), closeErr)
			}
		}
		state = c.state
	}()

	if err = c.init(ctx); err != nil {
		return c.state, c.stageError(StageInit, err)
	}
	syncStage := StageInit
	if c.cfg.ResumeSource != "" {
		syncStage = StageResume
		if err = c.resume(ctx); err != nil {
			return c.state, c.stageError(StageResume, err)
		}
	}
	if dp, ok := c.model.(DataParallel); ok {
		if err = dp.BroadcastParameters(ctx, c.channel); err != nil {
			return c.state, c.stageError(syncStage, errors.WithMessage(err, "broadcasting model parameters"))
		}
	}

	if c.env.IsCoordinator() {
		klog.Infof("rank %d: training epochs [%d, %d), %d steps per epoch, run %s", c.env.Rank(), c.state.Epoch,
			c.cfg.Epochs, c.StepsPerEpoch(), c.runID)
	}
	runner := &EpochRunner{
		Window:   c.cfg.GradAccumSteps,
		ClipNorm: c.cfg.GradClipNorm,
		OnStep:   c.callOnStep,
	}
	validator := &Validator{SaveBest: func(ctx context.Context) error {
		return c.save(ctx, checkpoints.BestTag)
	}}
	for c.state.Epoch < c.cfg.Epochs {
		epoch := c.state.Epoch
		if err = ctx.Err(); err != nil {
			return c.state, c.stageError(StageEpoch, errors.Wrap(err, "training interrupted"))
		}
		var summary EpochSummary
		summary, err = runner.Run(ctx, &c.state, c.model, c.optimizer, c.schedule, c.trainData, c.channel)
		if err != nil {
			return c.state, &StageError{Rank: c.env.Rank(), Stage: StageEpoch, Epoch: epoch, Err: err}
		}
		if err = c.callOnEpochEnd(summary); err != nil {
			return c.state, &StageError{Rank: c.env.Rank(), Stage: StageEpoch, Epoch: epoch, Err: err}
		}

		if (epoch+1)%c.cfg.ValidationFreq == 0 && c.validation != nil {
			var result ValidationResult
			result, err = validator.Run(ctx, &c.state, c.model, c.validation, c.channel)
			if err != nil {
				return c.state, c.stageError(StageValidation, err)
			}
			if result.Batches > 0 {
				if err = c.callOnValidation(result); err != nil {
					return c.state, c.stageError(StageValidation, err)
				}
			}
		}

		if (epoch+1)%c.cfg.CheckpointFreq == 0 {
			if err = c.save(ctx, checkpoints.EpochTag(c.state.Epoch)); err != nil {
				return c.state, c.stageError(StageCheckpoint, err)
			}
		}
	}
	if c.env.IsCoordinator() {
		klog.Infof("rank %d: training finished: %s", c.env.Rank(), c.state)
	}
	return c.state, nil
}

// init checks the configuration, builds the model and data, and creates the optimizer, schedule and store.
func (c *Coordinator) init(ctx context.Context) error {
	if c.channel.Rank() != c.env.Rank() || c.channel.WorldSize() != c.env.WorldSize() {
		return faults.Newf(faults.ErrConfiguration, "collective channel is rank %d of %d, process environment is %s",
			c.channel.Rank(), c.channel.WorldSize(), c.env)
	}
	cfg, err := c.cfg.Normalize()
	if err != nil {
		return err
	}
	c.cfg = cfg
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	seed := c.cfg.Seed + int64(c.env.Rank())
	setup := Setup{
		Env:    c.env,
		Config: c.cfg,
		Rand:   rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
	}
	components, err := c.build(ctx, setup)
	if err != nil {
		return errors.WithMessage(err, "building model and data")
	}
	if components == nil || components.Model == nil || components.Train == nil {
		return faults.Newf(faults.ErrConfiguration, "build function must return a model and a training data source")
	}
	c.model = components.Model
	c.trainData = components.Train
	c.validation = components.Validation

	c.optimizer, err = optimizers.New(c.cfg.Optimizer, c.model.Parameters(), optimizers.Config{
		LearningRate: c.cfg.LearningRate,
		WeightDecay:  c.cfg.WeightDecay,
	})
	if err != nil {
		return err
	}
	totalTicks := c.cfg.Epochs * c.StepsPerEpoch()
	c.schedule, err = schedules.New(c.cfg.Schedule, c.optimizer, schedules.Config{
		MaxLearningRate: c.cfg.LearningRate,
		TotalTicks:      totalTicks,
	})
	if err != nil {
		return err
	}

	if c.store == nil {
		options := []checkpoints.StoreOption{
			checkpoints.WithCompression(c.cfg.Compression),
			checkpoints.WithKeep(c.cfg.KeepCheckpoints),
		}
		if c.ledger != nil {
			options = append(options, checkpoints.WithLedger(c.ledger))
		}
		c.store, err = checkpoints.Open(ctx, c.cfg.CheckpointDir, c.env.Rank(), options...)
		if err != nil {
			return err
		}
	}
	c.runID = uuid.NewString()
	klog.V(1).Infof("rank %d: initialized %s optimizer, %s schedule (%d ticks), seed %d", c.env.Rank(),
		c.optimizer.Kind(), c.schedule.Kind(), totalTicks, seed)
	return nil
}

// resume loads the checkpoint of RunConfig.ResumeSource on every rank, and agrees on the state of rank 0.
func (c *Coordinator) resume(ctx context.Context) error {
	source := c.cfg.ResumeSource
	var bundle *checkpoints.Bundle
	var err error
	if source == runconfig.ResumeLatest {
		var tag string
		tag, err = c.store.Latest(ctx)
		if err == nil {
			bundle, err = c.store.Load(ctx, tag)
			source = tag
		}
	} else {
		bundle, err = checkpoints.Load(ctx, source)
	}
	if err != nil {
		return errors.WithMessagef(err, "loading checkpoint %q", source)
	}
	if err = checkpoints.CheckCompatible(c.cfg, bundle); err != nil {
		return err
	}
	if err = c.model.LoadSnapshot(bundle.Model); err != nil {
		return faults.Wrapf(faults.ErrCorruptCheckpoint, err, "restoring model state")
	}
	if err = c.optimizer.LoadSnapshot(bundle.Optimizer); err != nil {
		return faults.Wrapf(faults.ErrCorruptCheckpoint, err, "restoring optimizer state")
	}
	if bundle.Schedule != nil {
		if err = c.schedule.LoadSnapshot(bundle.Schedule); err != nil {
			return faults.Wrapf(faults.ErrCorruptCheckpoint, err, "restoring schedule state")
		}
	}
	c.state = bundle.State
	if bundle.RunID != "" {
		c.runID = bundle.RunID
	}

	// Ranks may have read different checkpoints: rank 0 decides.
	local := c.state
	values, err := c.channel.Broadcast(ctx, []float64{float64(local.Epoch), float64(local.GlobalStep), local.BestScore}, 0)
	if err != nil {
		return errors.WithMessage(err, "broadcasting resumed state")
	}
	c.state = State{Epoch: int(values[0]), GlobalStep: int64(values[1]), BestScore: values[2]}

	// The optimizer and schedule states follow the counters of the checkpoint they came from: a rank at a
	// different epoch or step can't continue in lockstep. All ranks agree on whether any diverged.
	diverged := 0.0
	if local.Epoch != c.state.Epoch || local.GlobalStep != c.state.GlobalStep {
		diverged = 1
		klog.Errorf("rank %d: resumed state %s differs from rank 0's %s", c.env.Rank(), local, c.state)
	}
	numDiverged, err := c.channel.ReduceSum(ctx, diverged)
	if err != nil {
		return errors.WithMessage(err, "agreeing on resumed state")
	}
	if numDiverged > 0 {
		c.state = local
		return faults.Newf(faults.ErrConfiguration,
			"%d rank(s) resumed at a different epoch or global step than rank 0 (this rank: %s): ranks must resume from the same checkpoint",
			int(numDiverged), local)
	}
	if c.state.BestScore != local.BestScore {
		klog.Warningf("rank %d: resumed best score %g differs from rank 0, adopting %g", c.env.Rank(),
			local.BestScore, c.state.BestScore)
	}
	klog.Infof("rank %d: resumed from %q at %s", c.env.Rank(), source, c.state)
	return nil
}

// save saves a checkpoint (on rank 0) and agrees on the outcome with the other ranks. A failed save is only
// an error after RunConfig.MaxCheckpointFailures consecutive failures.
func (c *Coordinator) save(ctx context.Context, tag string) error {
	var saveErr error
	if c.env.IsCoordinator() {
		saveErr = c.saveBundle(ctx, tag)
	}
	failed := 0.0
	if saveErr != nil {
		failed = 1
	}
	values, err := c.channel.Broadcast(ctx, []float64{failed}, 0)
	if err != nil {
		return errors.WithMessagef(err, "agreeing on checkpoint %q", tag)
	}
	if values[0] == 0 {
		c.saveFailures = 0
	} else {
		c.saveFailures++
		if saveErr == nil {
			saveErr = faults.Newf(faults.ErrPersistence, "checkpoint %q failed on rank %d", tag, distributed.CoordinatorRank)
		}
		klog.Errorf("rank %d: checkpoint %q failed (%d consecutive failures, %d tolerated): %+v", c.env.Rank(), tag,
			c.saveFailures, c.cfg.MaxCheckpointFailures, saveErr)
	}
	event := CheckpointEvent{Tag: tag, State: c.state, Err: saveErr, ConsecutiveFailures: c.saveFailures}
	if err := c.callOnCheckpoint(event); err != nil {
		return err
	}
	if c.saveFailures >= c.cfg.MaxCheckpointFailures {
		return errors.WithMessagef(saveErr, "%d consecutive checkpoint failures", c.saveFailures)
	}
	return nil
}

func (c *Coordinator) saveBundle(ctx context.Context, tag string) error {
	bundle := &checkpoints.Bundle{
		RunID:         c.runID,
		State:         c.state,
		Config:        c.cfg,
		OptimizerKind: c.optimizer.Kind(),
		ScheduleKind:  c.schedule.Kind(),
	}
	var err error
	if bundle.Model, err = c.model.Snapshot(); err != nil {
		return faults.Wrapf(faults.ErrPersistence, err, "serializing model state")
	}
	if bundle.Optimizer, err = c.optimizer.Snapshot(); err != nil {
		return faults.Wrapf(faults.ErrPersistence, err, "serializing optimizer state")
	}
	if bundle.Schedule, err = c.schedule.Snapshot(); err != nil {
		return faults.Wrapf(faults.ErrPersistence, err, "serializing schedule state")
	}
	if err = c.store.Save(ctx, bundle, tag); err != nil {
		return err
	}
	klog.Infof("Saved checkpoint %q: %s", tag, c.state)
	return nil
}

func (c *Coordinator) callOnStep(info StepInfo) error {
	for hook := range c.onStep.All() {
		if err := hook.fn(c, info); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

func (c *Coordinator) callOnEpochEnd(summary EpochSummary) error {
	for hook := range c.onEpochEnd.All() {
		if err := hook.fn(c, summary); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func (c *Coordinator) callOnValidation(result ValidationResult) error {
	for hook := range c.onValidation.All() {
		if err := hook.fn(c, result); err != nil {
			return errors.WithMessagef(err, "OnValidation(hook %q)", hook.name)
		}
	}
	return nil
}

func (c *Coordinator) callOnCheckpoint(event CheckpointEvent) error {
	for hook := range c.onCheckpoint.All() {
		if err := hook.fn(c, event); err != nil {
			return errors.WithMessagef(err, "OnCheckpoint(hook %q)", hook.name)
		}
	}
	return nil
}
