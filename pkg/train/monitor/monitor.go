// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/gomlx/distrain/pkg/train"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
)

// Phase of the run, as reported by the status endpoint.
type Phase string

const (
	PhaseTraining Phase = "training"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// HookPriority of the monitor hooks: they run after the default ones, so they see the final values.
var HookPriority train.Priority = 1000

// Status is a snapshot of the run, served as JSON.
type Status struct {
	RunID     string `json:"run_id"`
	Rank      int    `json:"rank"`
	WorldSize int    `json:"world_size"`
	Phase     Phase  `json:"phase"`
	Error     string `json:"error,omitempty"`

	State  checkpoints.State `json:"state"`
	Epochs int               `json:"epochs"`

	// Loss of the last step, 0 before the first step.
	Loss           float64 `json:"loss"`
	LearningRate   float64 `json:"learning_rate"`
	ValidationLoss float64 `json:"validation_loss,omitempty"`

	LastCheckpoint     string    `json:"last_checkpoint,omitempty"`
	CheckpointFailures int       `json:"checkpoint_failures"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Monitor collects the metrics and status of one rank's Coordinator.
//
// The hooks run in the training goroutine, while Status may be called from the HTTP server: the status is
// copied under a lock.
type Monitor struct {
	metrics *Metrics

	mu     sync.Mutex
	status Status
}

// New creates a Monitor for the given rank.
func New(rank, worldSize int) *Monitor {
	return &Monitor{
		metrics: NewMetrics(rank),
		status: Status{
			Rank:      rank,
			WorldSize: worldSize,
			Phase:     PhaseTraining,
			State:     checkpoints.NewState(),
			UpdatedAt: time.Now(),
		},
	}
}

// Metrics returns the Prometheus metrics of the monitor.
func (m *Monitor) Metrics() *Metrics { return m.metrics }

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) update(fn func(s *Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.status)
	m.status.UpdatedAt = time.Now()
}

// Attach registers the monitor hooks on the Coordinator. Call it before Coordinator.Run.
func (m *Monitor) Attach(c *train.Coordinator) {
	m.update(func(s *Status) {
		s.Epochs = c.Config().Epochs
	})
	c.OnStep("monitor", HookPriority, func(c *train.Coordinator, info train.StepInfo) error {
		m.metrics.Steps.Inc()
		m.metrics.GlobalStep.Set(float64(info.GlobalStep))
		m.metrics.Loss.Set(info.Loss)
		m.metrics.LearningRate.Set(info.LearningRate)
		m.metrics.GradNorm.Set(info.GradNorm)
		m.metrics.StepDuration.Observe(info.Duration.Seconds())
		state := c.State()
		m.update(func(s *Status) {
			s.RunID = c.RunID()
			s.State = state
			s.Loss = info.Loss
			s.LearningRate = info.LearningRate
		})
		return nil
	})
	c.OnEpochEnd("monitor", HookPriority, func(c *train.Coordinator, summary train.EpochSummary) error {
		state := c.State()
		m.metrics.Epoch.Set(float64(state.Epoch))
		m.metrics.GlobalStep.Set(float64(state.GlobalStep))
		if !math.IsNaN(summary.MeanLoss) {
			m.metrics.EpochLoss.Set(summary.MeanLoss)
		}
		m.update(func(s *Status) {
			s.RunID = c.RunID()
			s.State = state
		})
		return nil
	})
	c.OnValidation("monitor", HookPriority, func(c *train.Coordinator, result train.ValidationResult) error {
		state := c.State()
		m.metrics.ValidationLoss.Set(result.Loss)
		if state.HasBest() {
			m.metrics.BestScore.Set(state.BestScore)
		}
		m.update(func(s *Status) {
			s.State = state
			s.ValidationLoss = result.Loss
		})
		return nil
	})
	c.OnCheckpoint("monitor", HookPriority, func(c *train.Coordinator, event train.CheckpointEvent) error {
		result := "ok"
		if event.Err != nil {
			result = "error"
		}
		m.metrics.Checkpoints.WithLabelValues(result).Inc()
		m.metrics.CheckpointsFailures.Set(float64(event.ConsecutiveFailures))
		m.update(func(s *Status) {
			if event.Err == nil {
				s.LastCheckpoint = event.Tag
			}
			s.CheckpointFailures = event.ConsecutiveFailures
		})
		return nil
	})
}

// Finish records the outcome of Coordinator.Run.
func (m *Monitor) Finish(state train.State, err error) {
	m.update(func(s *Status) {
		s.State = state
		if err != nil {
			s.Phase = PhaseFailed
			s.Error = err.Error()
			return
		}
		s.Phase = PhaseDone
	})
}
