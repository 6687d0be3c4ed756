// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rprop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "calib"
	metricsSubsystem = "rprop"
)

// Metrics exports run statistics of an optimizer.
type Metrics struct {
	// Iterations counts performed iterations.
	Iterations prometheus.Counter
	// RejectedSteps counts steps reverted because f did not decrease.
	RejectedSteps prometheus.Counter
	// GradientNorm is ‖∇f‖₂ of the latest iteration.
	GradientNorm prometheus.Gauge
	// Objective is the latest accepted f.
	Objective prometheus.Gauge
	// Runs counts finished runs by final status.
	Runs *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Iterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "iterations_total",
			Help:      "Number of Rprop iterations performed.",
		}),
		RejectedSteps: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rejected_steps_total",
			Help:      "Number of steps reverted because the objective did not decrease.",
		}),
		GradientNorm: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "gradient_norm",
			Help:      "Euclidean norm of the latest gradient.",
		}),
		Objective: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "objective",
			Help:      "Latest accepted objective value.",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_total",
			Help:      "Number of finished optimizations by final status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) observeIter(gradNorm, f float64, accepted bool) {
	if m == nil {
		return
	}
	m.Iterations.Inc()
	m.GradientNorm.Set(gradNorm)
	if accepted {
		m.Objective.Set(f)
	} else {
		m.RejectedSteps.Inc()
	}
}

func (m *Metrics) observeExit(status Status) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status.Label()).Inc()
}
