// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadCSV reads a regression dataset from a CSV file with a header: the column named targetColumn becomes
// the TargetKey feature, all the other (numeric) columns, in file order, make up the FeaturesKey vector.
func LoadCSV(name, path, targetColumn string) (*InMemory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse dataset %q", path)
	}
	var featureCols [][]float64
	var target []float64
	for _, col := range df.Names() {
		s := df.Col(col)
		if s.Type() != series.Float && s.Type() != series.Int {
			return nil, errors.Errorf("dataset %q: column %q is not numeric (%s)", path, col, s.Type())
		}
		if col == targetColumn {
			target = s.Float()
		} else {
			featureCols = append(featureCols, s.Float())
		}
	}
	if target == nil {
		return nil, errors.Errorf("dataset %q has no target column %q", path, targetColumn)
	}
	examples := make([]Example, df.Nrow())
	for i := range examples {
		x := make([]float64, len(featureCols))
		for j, col := range featureCols {
			x[j] = col[i]
		}
		examples[i] = Example{FeaturesKey: x, TargetKey: {target[i]}}
	}
	return NewInMemory(name, examples), nil
}

// WriteCSV writes a dataset of FeaturesKey/TargetKey examples in the format read by LoadCSV, with columns
// "x0", "x1", ... and targetColumn.
func WriteCSV(ds Dataset, path, targetColumn string) error {
	if ds.Len() == 0 {
		return errors.Errorf("dataset %q is empty", ds.Name())
	}
	first, err := ds.Example(0)
	if err != nil {
		return err
	}
	numFeatures := len(first[FeaturesKey])
	columns := make([][]float64, numFeatures+1)
	for i := range ds.Len() {
		ex, err := ds.Example(i)
		if err != nil {
			return err
		}
		if len(ex[FeaturesKey]) != numFeatures || len(ex[TargetKey]) != 1 {
			return errors.Errorf("dataset %q: example %d doesn't have %d features and 1 target", ds.Name(), i, numFeatures)
		}
		for j, v := range ex[FeaturesKey] {
			columns[j] = append(columns[j], v)
		}
		columns[numFeatures] = append(columns[numFeatures], ex[TargetKey][0])
	}
	allSeries := make([]series.Series, len(columns))
	for j := range numFeatures {
		allSeries[j] = series.New(columns[j], series.Float, fmt.Sprintf("x%d", j))
	}
	allSeries[numFeatures] = series.New(columns[numFeatures], series.Float, targetColumn)
	df := dataframe.New(allSeries...)

	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	klog.V(1).Infof("wrote %d examples of %q to %s", ds.Len(), ds.Name(), path)
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}
