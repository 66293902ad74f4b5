// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package monitor exports the progress of a training run: Prometheus metrics fed by the Coordinator hooks,
// and an HTTP server with the metrics, a health check and the current training state.
package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "distrain"

// Metrics of one rank. Each Metrics has its own registry, so several ranks in one process don't collide.
type Metrics struct {
	Registry *prometheus.Registry

	Steps        prometheus.Counter
	Epoch        prometheus.Gauge
	GlobalStep   prometheus.Gauge
	Loss         prometheus.Gauge
	LearningRate prometheus.Gauge
	GradNorm     prometheus.Gauge
	StepDuration prometheus.Histogram

	EpochLoss      prometheus.Gauge
	ValidationLoss prometheus.Gauge
	BestScore      prometheus.Gauge

	// Checkpoints counts save attempts by result ("ok" or "error").
	Checkpoints         *prometheus.CounterVec
	CheckpointsFailures prometheus.Gauge
}

// NewMetrics creates the metrics on a new registry, labeled with the rank.
func NewMetrics(rank int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"rank": strconv.Itoa(rank)}
	return &Metrics{
		Registry: reg,
		Steps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_total", Help: "Optimizer steps taken by this process", ConstLabels: labels,
		}),
		Epoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch", Help: "Completed epochs", ConstLabels: labels,
		}),
		GlobalStep: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "global_step", Help: "Global optimizer step, including resumed steps", ConstLabels: labels,
		}),
		Loss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loss", Help: "Mean loss of the last step over all ranks", ConstLabels: labels,
		}),
		LearningRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "learning_rate", Help: "Learning rate of the last step", ConstLabels: labels,
		}),
		GradNorm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "grad_norm", Help: "Gradient norm of the last step, before clipping", ConstLabels: labels,
		}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "step_duration_seconds",
			Help:        "Wall time of an optimizer step, including its micro-batches",
			Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 60},
			ConstLabels: labels,
		}),
		EpochLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch_loss", Help: "Mean training loss of the last epoch", ConstLabels: labels,
		}),
		ValidationLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "validation_loss", Help: "Last validation loss", ConstLabels: labels,
		}),
		BestScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "best_score", Help: "Best validation loss so far", ConstLabels: labels,
		}),
		Checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_total", Help: "Checkpoint save attempts", ConstLabels: labels,
		}, []string{"result"}),
		CheckpointsFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "checkpoint_consecutive_failures", Help: "Failed checkpoint saves in a row", ConstLabels: labels,
		}),
	}
}
