// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	// differsStyle marks rows whose values are not the same for all checkpoints.
	differsStyle = cellStyle.Foreground(lipgloss.Color("9")).Bold(true)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

func printTitle(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
}

// infoTable accumulates the rows of a table, rendered by print.
type infoTable struct {
	align   []lipgloss.Position
	headers []string
	rows    [][]string
	differs []bool
}

// newInfoTable creates a table with the given column alignments. Columns past the last alignment use
// the last one, and all columns are left-aligned if none is given.
func newInfoTable(align ...lipgloss.Position) *infoTable {
	return &infoTable{align: align}
}

func (r *infoTable) header(names ...string) { r.headers = names }

// add a row, highlighted if differs is set.
func (r *infoTable) add(differs bool, cells ...string) {
	r.rows = append(r.rows, cells)
	r.differs = append(r.differs, differs)
}

func (r *infoTable) alignment(col int) lipgloss.Position {
	switch {
	case len(r.align) == 0:
		return lipgloss.Left
	case col >= len(r.align):
		return r.align[len(r.align)-1]
	default:
		return r.align[col]
	}
}

func (r *infoTable) print(w io.Writer) {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(r.headers...).
		Rows(r.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			style := cellStyle.Faint(row%2 == 1)
			if r.differs[row] {
				style = differsStyle
			}
			return style.Align(r.alignment(col))
		})
	_, _ = fmt.Fprintln(w, t.Render())
}

// differ reports whether values has at least two distinct elements.
func differ[E comparable](values []E) bool {
	for _, v := range values {
		if v != values[0] {
			return true
		}
	}
	return false
}

// Summary prints one column per checkpoint with its training state, optimizer and size.
func Summary(w io.Writer, tags []string, metas []*checkpoints.Metadata) {
	printTitle(w, "Summary")
	table := newInfoTable(lipgloss.Right, lipgloss.Left)
	table.header(append([]string{"checkpoint"}, tags...)...)

	addRow := func(name string, fn func(m *checkpoints.Metadata) string) {
		row := make([]string, len(metas)+1)
		row[0] = name
		for ii, m := range metas {
			row[ii+1] = fn(m)
		}
		table.add(false, row...)
	}
	state := func(m *checkpoints.Metadata) checkpoints.State {
		if m.State == nil {
			return checkpoints.NewState()
		}
		return *m.State
	}

	addRow("run id", func(m *checkpoints.Metadata) string { return m.RunID })
	addRow("created", func(m *checkpoints.Metadata) string {
		return fmt.Sprintf("%s (%s)", m.CreatedAt.Format(time.DateTime), humanize.Time(m.CreatedAt))
	})
	addRow("epoch", func(m *checkpoints.Metadata) string { return humanize.Comma(int64(state(m).Epoch)) })
	addRow("global_step", func(m *checkpoints.Metadata) string { return humanize.Comma(state(m).GlobalStep) })
	addRow("best score", func(m *checkpoints.Metadata) string {
		s := state(m)
		if !s.HasBest() {
			return "-"
		}
		return fmt.Sprintf("%.6g", s.BestScore)
	})
	addRow("optimizer", func(m *checkpoints.Metadata) string { return m.OptimizerKind })
	addRow("schedule", func(m *checkpoints.Metadata) string {
		if m.ScheduleKind == "" {
			return "-"
		}
		return m.ScheduleKind
	})
	addRow("format", func(m *checkpoints.Metadata) string { return fmt.Sprintf("v%d, %s", m.FormatVersion, m.BinFormat) })
	addRow("# bytes", func(m *checkpoints.Metadata) string { return humanize.Bytes(uint64(m.BinLength)) })
	table.print(w)
}

// Blobs prints the index of the data file of each checkpoint.
func Blobs(w io.Writer, tags []string, metas []*checkpoints.Metadata) {
	printTitle(w, "Blobs")
	table := newInfoTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.header("Checkpoint", "Blob", "Position", "Bytes")
	for ii, m := range metas {
		for _, blob := range m.Blobs {
			table.add(false, tags[ii], blob.Name, humanize.Comma(int64(blob.Pos)), humanize.Bytes(uint64(blob.Length)))
		}
	}
	table.print(w)
}
