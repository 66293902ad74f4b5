// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config prints the run configuration saved with each checkpoint. Rows with values that differ among the
// checkpoints are highlighted.
func Config(w io.Writer, tags []string, metas []*checkpoints.Metadata) {
	printTitle(w, "Run configuration")
	table := newInfoTable()
	headers := []string{"Key", "Type"}
	if len(tags) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, tags...)
	}
	table.header(headers...)

	for _, key := range runconfig.Keys() {
		if key == "ledger_dsn" {
			continue
		}
		row := make([]string, 0, len(metas)+2)
		row = append(row, key, "")
		values := make([]string, len(metas))
		for ii, m := range metas {
			if m.Config == nil {
				values[ii] = "<missing>"
				continue
			}
			value, _ := m.Config.Get(key)
			row[1] = fmt.Sprintf("%T", value)
			values[ii] = fmt.Sprintf("%v", value)
		}
		row = append(row, values...)
		table.add(differ(values), row...)
	}
	table.print(w)
}

// ConfigYAML prints the run configuration of a checkpoint as YAML.
func ConfigYAML(w io.Writer, tag string, m *checkpoints.Metadata) error {
	if m.Config == nil {
		return errors.Errorf("checkpoint %q has no run configuration", tag)
	}
	cfg := *m.Config
	cfg.LedgerDSN = ""
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode the run configuration of checkpoint %q", tag)
	}
	_, _ = fmt.Fprintf(w, "# Run configuration of checkpoint %q\n%s", tag, out)
	return nil
}
