// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"time"

	"github.com/gomlx/distrain/pkg/distributed"
	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/gomlx/distrain/pkg/train"
	"github.com/gomlx/distrain/pkg/train/checkpoints/pgledger"
	"github.com/gomlx/distrain/pkg/train/monitor"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/gomlx/distrain/ui/commandline"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	// Checkpoints in S3 buckets.
	_ "github.com/gomlx/distrain/pkg/train/checkpoints/s3store"
)

// Options of a training process, besides the RunConfig.
type Options struct {
	Data DataOptions

	// Progress displays a progress bar on the coordinator rank.
	Progress bool
}

// rankRun is what the process keeps of each of its ranks.
type rankRun struct {
	env     *distributed.Env
	channel collective.Channel
	monitor *monitor.Monitor
}

// trainLocal runs a world of numRanks ranks in this process, over an in-process collective group.
func trainLocal(ctx context.Context, cfg runconfig.RunConfig, numRanks int, opts Options) ([]train.State, error) {
	channels := collective.NewLocalGroup(numRanks)
	runs := make([]*rankRun, numRanks)
	for rank := range numRanks {
		env, err := distributed.New(rank, numRanks)
		if err != nil {
			return nil, err
		}
		runs[rank] = &rankRun{env: env, channel: channels[rank]}
	}
	return trainRanks(ctx, cfg, runs, opts)
}

// trainProcess runs the one rank of this process, as given by the launcher environment.
func trainProcess(ctx context.Context, cfg runconfig.RunConfig, opts Options) (train.State, error) {
	env, err := distributed.FromEnv()
	if err != nil {
		return train.State{}, err
	}
	klog.V(1).Infof("process environment: %s", env)
	ch, err := collective.Open(cfg.Backend, env)
	if err != nil {
		return train.State{}, err
	}
	states, err := trainRanks(ctx, cfg, []*rankRun{{env: env, channel: ch}}, opts)
	if err != nil {
		return train.State{}, err
	}
	return states[0], nil
}

// trainRanks runs a Coordinator for each of runs, concurrently, with the monitor, ledger and progress bar
// requested.
func trainRanks(ctx context.Context, cfg runconfig.RunConfig, runs []*rankRun, opts Options) ([]train.State, error) {
	var options []train.Option
	hostsCoordinator := false
	for _, r := range runs {
		hostsCoordinator = hostsCoordinator || r.env.IsCoordinator()
	}
	if cfg.LedgerDSN != "" && hostsCoordinator {
		// Only the coordinator writes checkpoints, so it is the only one that needs the ledger.
		ledger, err := pgledger.Open(ctx, cfg.LedgerDSN)
		if err != nil {
			closeAll(runs)
			return nil, err
		}
		defer func() { _ = ledger.Close() }()
		options = append(options, train.WithLedger(ledger))
	}
	if cfg.MetricsAddr != "" && hostsCoordinator {
		monitors := make([]*monitor.Monitor, len(runs))
		for i, r := range runs {
			r.monitor = monitor.New(r.env.Rank(), r.env.WorldSize())
			monitors[i] = r.monitor
		}
		server, err := monitor.Serve(cfg.MetricsAddr, monitors...)
		if err != nil {
			closeAll(runs)
			return nil, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				klog.Warningf("%+v", err)
			}
		}()
	}

	states := make([]train.State, len(runs))
	g, gCtx := errgroup.WithContext(ctx)
	for i, r := range runs {
		c := train.NewCoordinator(r.env, cfg, r.channel, linearBuild(opts.Data), options...)
		if r.monitor != nil {
			r.monitor.Attach(c)
		}
		var pBar *commandline.ProgressBar
		if opts.Progress {
			pBar = commandline.AttachProgressBar(c)
		}
		g.Go(func() error {
			state, err := c.Run(gCtx)
			pBar.Done()
			states[i] = state
			if r.monitor != nil {
				r.monitor.Finish(state, err)
			}
			if err == nil && r.env.IsCoordinator() {
				commandline.ReportRun(os.Stdout, c, state)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return states, errors.WithMessage(err, "training failed")
	}
	return states, nil
}

// closeAll closes the channels of runs that won't be started.
func closeAll(runs []*rankRun) {
	for _, r := range runs {
		if err := r.channel.Close(); err != nil {
			klog.Warningf("rank %d: failed to close collective channel: %+v", r.env.Rank(), err)
		}
	}
}
