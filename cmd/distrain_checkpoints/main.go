// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// distrain_checkpoints reports on the checkpoints saved by distrain.
//
// Usage:
//
//	distrain_checkpoints [flags] <checkpoint_dir or s3://bucket/prefix> [tags...]
//
// If no tags are given, all checkpoints in the location are reported.
package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/checkpoints/pgledger"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Checkpoints in S3 buckets.
	_ "github.com/gomlx/distrain/pkg/train/checkpoints/s3store"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of each checkpoint: training state, optimizer and size.")
	flagConfig  = flag.Bool("config", false, "Lists the run configuration of each checkpoint. Values that differ among "+
		"checkpoints are highlighted.")
	flagYAML  = flag.Bool("yaml", false, "Prints the run configuration of the first checkpoint in YAML, ready to use with distrain -config.")
	flagBlobs = flag.Bool("blobs", false, "Lists the blobs in the data file of each checkpoint.")

	flagLedgerDSN = flag.String("ledger_dsn", "", "If set, lists the checkpoints recorded in the PostgreSQL ledger for "+
		"the runs of the reported checkpoints.")
)

// reportOptions select the reports printed.
type reportOptions struct {
	Summary, Config, YAML, Blobs bool
	LedgerDSN                    string
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint location to read from. See 'distrain_checkpoints -help'")
		os.Exit(1)
	}
	opts := reportOptions{
		Summary:   *flagSummary,
		Config:    *flagConfig,
		YAML:      *flagYAML,
		Blobs:     *flagBlobs,
		LedgerDSN: *flagLedgerDSN,
	}
	if err := report(context.Background(), os.Stdout, args[0], args[1:], opts); err != nil {
		klog.Exitf("%+v", err)
	}
}

// report prints the selected reports on the checkpoints of location to w.
func report(ctx context.Context, w io.Writer, location string, tags []string, opts reportOptions) error {
	// Rank -1: the store is only read.
	store, err := checkpoints.Open(ctx, location, -1)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		tags, err = store.List(ctx)
		if err != nil {
			return err
		}
		if len(tags) == 0 {
			return errors.Errorf("no checkpoints found in %q", location)
		}
	}
	metas := make([]*checkpoints.Metadata, len(tags))
	for ii, tag := range tags {
		metas[ii], err = store.Metadata(ctx, tag)
		if err != nil {
			return err
		}
	}

	if opts.Summary {
		Summary(w, tags, metas)
	}
	if opts.Config {
		Config(w, tags, metas)
	}
	if opts.YAML {
		if err := ConfigYAML(w, tags[0], metas[0]); err != nil {
			return err
		}
	}
	if opts.Blobs {
		Blobs(w, tags, metas)
	}
	if opts.LedgerDSN != "" {
		ledger, err := pgledger.Open(ctx, opts.LedgerDSN)
		if err != nil {
			return err
		}
		defer func() { _ = ledger.Close() }()
		if err := LedgerRecords(ctx, w, ledger, metas); err != nil {
			return err
		}
	}
	return nil
}
