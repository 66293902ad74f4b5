// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"time"
)

// Record describes one saved checkpoint, as reported to a Ledger.
type Record struct {
	RunID      string
	Tag        string
	Location   string
	Epoch      int
	GlobalStep int64
	BestScore  float64
	Bytes      int64
	CreatedAt  time.Time
}

// Ledger keeps an external index of the checkpoints saved by runs. See package pgledger.
type Ledger interface {
	// Record is called after each successful save.
	Record(ctx context.Context, r Record) error
}
