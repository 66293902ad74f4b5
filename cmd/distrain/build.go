// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"

	"github.com/gomlx/distrain/pkg/ml/data"
	"github.com/gomlx/distrain/pkg/ml/models/linear"
	"github.com/gomlx/distrain/pkg/support/fsutil"
	"github.com/gomlx/distrain/pkg/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files read from RunConfig.DataDir.
const (
	TrainFile      = "train.csv"
	ValidationFile = "validation.csv"
)

// DataOptions selects the data of the run.
type DataOptions struct {
	// TargetColumn of the CSV files.
	TargetColumn string

	// SyntheticExamples, if > 0, generates a synthetic regression problem when DataDir has no TrainFile. A
	// validation set of a quarter of the size is generated with it.
	SyntheticExamples int
	SyntheticFeatures int
}

// loadDatasets returns the training dataset and the validation one, which may be nil.
func loadDatasets(dataDir string, opts DataOptions) (trainDS, validDS *data.InMemory, err error) {
	trainPath := filepath.Join(dataDir, TrainFile)
	found, err := fsutil.FileExists(trainPath)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		if opts.SyntheticExamples <= 0 {
			return nil, nil, errors.Errorf("no training data: %q doesn't exist, and no synthetic data was requested (-synthetic)", trainPath)
		}
		// One problem, split: validation examples share the true weights.
		numValid := max(1, opts.SyntheticExamples/4)
		all, weights := data.SyntheticRegression("synthetic", data.SyntheticConfig{
			Examples: opts.SyntheticExamples + numValid,
			Features: opts.SyntheticFeatures,
			Noise:    0.1,
			Seed:     1,
		})
		klog.V(1).Infof("synthetic data: %d training examples, %d features, true weights %v", opts.SyntheticExamples,
			opts.SyntheticFeatures, weights)
		return all.Slice("synthetic-train", 0, opts.SyntheticExamples),
			all.Slice("synthetic-validation", opts.SyntheticExamples, all.Len()), nil
	}
	trainDS, err = data.LoadCSV("train", trainPath, opts.TargetColumn)
	if err != nil {
		return nil, nil, err
	}
	validPath := filepath.Join(dataDir, ValidationFile)
	found, err = fsutil.FileExists(validPath)
	if err != nil {
		return nil, nil, err
	}
	if found {
		validDS, err = data.LoadCSV("validation", validPath, opts.TargetColumn)
		if err != nil {
			return nil, nil, err
		}
	}
	return trainDS, validDS, nil
}

// numFeatures of the examples of ds.
func numFeatures(ds data.Dataset) (int, error) {
	if ds.Len() == 0 {
		return 0, errors.Errorf("dataset %q is empty", ds.Name())
	}
	example, err := ds.Example(0)
	if err != nil {
		return 0, err
	}
	return len(example[data.FeaturesKey]), nil
}

// linearBuild returns the BuildFn of a linear regression over the data of the run.
func linearBuild(opts DataOptions) train.BuildFn {
	return func(ctx context.Context, setup train.Setup) (*train.Components, error) {
		cfg := setup.Config
		trainDS, validDS, err := loadDatasets(cfg.DataDir, opts)
		if err != nil {
			return nil, err
		}
		features, err := numFeatures(trainDS)
		if err != nil {
			return nil, err
		}
		loaderConfig := data.LoaderConfig{
			BatchSize:  cfg.BatchSize,
			Rank:       setup.Env.Rank(),
			WorldSize:  setup.Env.WorldSize(),
			Shuffle:    true,
			Seed:       cfg.Seed,
			NumWorkers: cfg.NumWorkers,
			PadValue:   cfg.PadValue,
		}
		components := &train.Components{}
		if components.Train, err = data.NewLoader(trainDS, loaderConfig); err != nil {
			return nil, err
		}
		if validDS != nil {
			loaderConfig.Shuffle = false
			if components.Validation, err = data.NewLoader(validDS, loaderConfig); err != nil {
				return nil, err
			}
		}
		if components.Model, err = linear.New(features, setup.Rand); err != nil {
			return nil, err
		}
		return components, nil
	}
}
