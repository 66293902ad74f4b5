// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distrain/pkg/train"
)

// ReportRun writes to w a summary of a finished run of the Coordinator.
func ReportRun(w io.Writer, c *train.Coordinator, state train.State) {
	_, _ = fmt.Fprintf(w, "Run %s:\n", c.RunID())
	_, _ = fmt.Fprintf(w, "\tepochs: %d of %d\n", state.Epoch, c.Config().Epochs)
	_, _ = fmt.Fprintf(w, "\tglobal step: %s\n", humanize.Comma(state.GlobalStep))
	if state.HasBest() {
		_, _ = fmt.Fprintf(w, "\tbest validation loss: %.4f\n", state.BestScore)
	} else {
		_, _ = fmt.Fprintf(w, "\tbest validation loss: none\n")
	}
	_, _ = fmt.Fprintf(w, "\tcheckpoints: %s\n", c.Config().CheckpointDir)
}
