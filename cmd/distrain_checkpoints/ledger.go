// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/pkg/errors"
)

// recordLister is implemented by pgledger.Ledger.
type recordLister interface {
	List(ctx context.Context, runID string) ([]checkpoints.Record, error)
}

// LedgerRecords prints the checkpoints recorded in the ledger for the runs of metas, including the ones
// already deleted from the store. Records whose location differs from the rest are highlighted.
func LedgerRecords(ctx context.Context, w io.Writer, ledger recordLister, metas []*checkpoints.Metadata) error {
	var runIDs []string
	for _, m := range metas {
		if m.RunID != "" && !slices.Contains(runIDs, m.RunID) {
			runIDs = append(runIDs, m.RunID)
		}
	}
	printTitle(w, "Ledger")
	table := newInfoTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.header("Run", "Tag", "Location", "Epoch", "Global Step", "Best Score", "Bytes", "Created")
	for _, runID := range runIDs {
		records, err := ledger.List(ctx, runID)
		if err != nil {
			return errors.WithMessagef(err, "failed to list ledger records of run %q", runID)
		}
		var firstLocation string
		for ii, r := range records {
			if ii == 0 {
				firstLocation = r.Location
			}
			best := "-"
			if (checkpoints.State{BestScore: r.BestScore}).HasBest() {
				best = fmt.Sprintf("%.6g", r.BestScore)
			}
			table.add(r.Location != firstLocation, r.RunID, r.Tag, r.Location, humanize.Comma(int64(r.Epoch)),
				humanize.Comma(r.GlobalStep), best, humanize.Bytes(uint64(r.Bytes)), r.CreatedAt.Format(time.DateTime))
		}
	}
	table.print(w)
	return nil
}
