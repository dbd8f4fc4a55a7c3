// Package metrics exposes Prometheus instrumentation for the dispatch
// core, grounded directly on ChuLiYu-raft-recovery/internal/metrics's
// RED-style counter/histogram taxonomy (job counters, latency
// histograms, in-flight gauges).
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the dispatch core updates.
type Metrics struct {
	JobsStarted   prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCanceled  prometheus.Counter
	JobsAbandoned prometheus.Counter

	JobsInFlight prometheus.Gauge

	LeaseRenewalErrors prometheus.Counter
	ReportRetries      prometheus.Counter

	DispatchDuration prometheus.Histogram
}

// New registers and returns a Metrics instance against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_started_total",
			Help: "Total jobs for which NewJobRequest was successfully sent to a worker.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_succeeded_total",
			Help: "Total jobs that completed with outcome Succeeded.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_failed_total",
			Help: "Total jobs that completed with outcome Failed.",
		}),
		JobsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_canceled_total",
			Help: "Total jobs that completed with outcome Canceled.",
		}),
		JobsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_abandoned_total",
			Help: "Total jobs that completed with outcome Abandoned (lease lost).",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_jobs_in_flight",
			Help: "Number of jobs currently being executed (0 or 1; the core is serial).",
		}),
		LeaseRenewalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_lease_renewal_errors_total",
			Help: "Total lease renewal attempts that returned a transient error.",
		}),
		ReportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_report_retries_total",
			Help: "Total completion-report retry attempts.",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Wall-clock duration of a single dispatch, Initial to Done.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}

	reg.MustRegister(
		m.JobsStarted, m.JobsSucceeded, m.JobsFailed, m.JobsCanceled, m.JobsAbandoned,
		m.JobsInFlight, m.LeaseRenewalErrors, m.ReportRetries, m.DispatchDuration,
	)
	return m
}

// RecordOutcome increments the counter matching outcome's string name.
func (m *Metrics) RecordOutcome(outcomeName string) {
	switch outcomeName {
	case "Succeeded":
		m.JobsSucceeded.Inc()
	case "Failed":
		m.JobsFailed.Inc()
	case "Canceled":
		m.JobsCanceled.Inc()
	case "Abandoned":
		m.JobsAbandoned.Inc()
	}
}
