// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distrain/pkg/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "distrain.ui.commandline.progressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Output where the progress bar is drawn.
var Output io.Writer = os.Stdout

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// numDurationsKept for the median step duration.
const numDurationsKept = 100

// ProgressBar displays the progress of a Coordinator: a bar with the steps of the run, and a table with the
// latest values. Create it with AttachProgressBar.
type ProgressBar struct {
	bar      *progressbar.ProgressBar
	numSteps int

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	numLines      int

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	finishOnce       sync.Once

	// Owned by the training goroutine.
	durations      []time.Duration
	validation     string
	lastCheckpoint string
	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Coordinator hooks, so that it
// displays the progression and the latest loss, learning rate, validation and checkpoint while the
// Coordinator runs.
//
// Only the coordinator rank (0) displays anything: on other ranks it returns nil.
// Call ProgressBar.Done after Coordinator.Run returns.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(c *train.Coordinator, extraMetrics ...ExtraMetricFn) *ProgressBar {
	if !c.Env().IsCoordinator() {
		return nil
	}
	pBar := &ProgressBar{
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(Output),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
		updates:        make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop()

	c.OnStep(ProgressBarName, 0, pBar.onStep)
	c.OnValidation(ProgressBarName, 0, func(c *train.Coordinator, result train.ValidationResult) error {
		pBar.validation = fmt.Sprintf("%.4f (best %.4f)", result.Loss, c.State().BestScore)
		return nil
	})
	c.OnCheckpoint(ProgressBarName, 0, func(_ *train.Coordinator, event train.CheckpointEvent) error {
		if event.Err != nil {
			pBar.lastCheckpoint = fmt.Sprintf("%s failed (%d in a row)", event.Tag, event.ConsecutiveFailures)
		} else {
			pBar.lastCheckpoint = event.Tag
		}
		return nil
	})
	return pBar
}

func (pBar *ProgressBar) onStep(c *train.Coordinator, info train.StepInfo) error {
	if pBar.bar == nil {
		// Steps of this run: a resumed run starts in the middle.
		pBar.numSteps = (c.Config().Epochs - info.Epoch) * c.StepsPerEpoch()
		pBar.bar = progressbar.NewOptions(pBar.numSteps,
			progressbar.OptionSetDescription("      [bold]"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(ProgressbarStyle),
			progressbar.OptionSetWriter(Output),
		)
	}

	pBar.durations = append(pBar.durations, info.Duration)
	if len(pBar.durations) > numDurationsKept {
		pBar.durations = pBar.durations[1:]
	}
	totalSteps := int64(c.Config().Epochs * c.StepsPerEpoch())
	update := progressBarUpdate{
		amount: 1,
		rows: [][2]string{
			{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(info.GlobalStep), humanize.Comma(totalSteps))},
			{"Epoch", fmt.Sprintf("%d of %d", info.Epoch+1, c.Config().Epochs)},
			{"Median step duration", FormatDuration(median(pBar.durations))},
			{"Loss", fmt.Sprintf("%.4f", info.Loss)},
			{"Learning rate", fmt.Sprintf("%.3g", info.LearningRate)},
			{"Gradient norm", fmt.Sprintf("%.4g", info.GradNorm)},
		},
	}
	if pBar.validation != "" {
		update.rows = append(update.rows, [2]string{"Validation loss", pBar.validation})
	}
	if pBar.lastCheckpoint != "" {
		update.rows = append(update.rows, [2]string{"Last checkpoint", pBar.lastCheckpoint})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
	return nil
}

// drawLoop asynchronously draws updates: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *ProgressBar) drawLoop() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLines)
		}
		pBar.isFirstOutput = false
		pBar.numLines = lipgloss.Height(rendered) + 1

		// Print update.
		_, _ = fmt.Fprintln(Output, rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(Output)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Done flushes the pending updates and restores the terminal. It is safe to call on a nil ProgressBar, and more
// than once.
func (pBar *ProgressBar) Done() {
	if pBar == nil {
		return
	}
	pBar.finishOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.termenv.ShowCursor()
		_, _ = fmt.Fprintln(Output)
	})
}

func median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
