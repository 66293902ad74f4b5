// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// distrain trains a linear regression model with data parallelism.
//
// Each rank is usually a separate process started by a launcher that sets RANK, WORLD_SIZE and
// MASTER_ADDR/MASTER_PORT (torchrun style). Rank 0 hosts the gRPC rendezvous:
//
//	RANK=0 WORLD_SIZE=2 distrain -config=run.yaml &
//	RANK=1 WORLD_SIZE=2 distrain -config=run.yaml
//
// With -local_ranks=N all N ranks run in this process, over an in-process collective group.
//
// Training data is read from "train.csv" (and optionally "validation.csv") in data_dir, or generated with
// -synthetic=<num_examples>.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/gomlx/distrain/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig     = flag.String("config", "", "YAML file with the run configuration. Values not set use the defaults, see -set.")
	flagLocalRanks = flag.Int("local_ranks", 0, "If > 0, run this number of ranks in this process, instead of taking the rank from the environment.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar on the terminal of rank 0.")
	flagTarget     = flag.String("target", "y", "Name of the target column in the CSV files.")
	flagSynthetic  = flag.Int("synthetic", 0, "If > 0 and data_dir has no train.csv, train on this number of synthetic examples.")
	flagFeatures   = flag.Int("synthetic_features", 8, "Number of features of the synthetic examples.")
)

func main() {
	settings := commandline.CreateSettingsFlag(runconfig.Default(), "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(runconfig.FromFile(*flagConfig))
	keysSet := must.M1(cfg.ApplySettings(*settings))
	cfg = must.M1(cfg.Normalize())
	must.M(cfg.Validate())
	if len(keysSet) > 0 {
		klog.Infof("Settings:\n%s", commandline.SprintModifiedSettings(cfg, keysSet))
	}
	klog.V(1).Infof("Configuration:\n%s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	opts := Options{
		Data: DataOptions{
			TargetColumn:      *flagTarget,
			SyntheticExamples: *flagSynthetic,
			SyntheticFeatures: *flagFeatures,
		},
		Progress: *flagProgress,
	}
	var err error
	if *flagLocalRanks > 0 {
		_, err = trainLocal(ctx, cfg, *flagLocalRanks, opts)
	} else {
		_, err = trainProcess(ctx, cfg, opts)
	}
	stop()
	if err != nil {
		klog.Exitf("%+v", err)
	}
}
