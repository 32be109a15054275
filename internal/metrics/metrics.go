// Package metrics exposes Prometheus collectors for collection runs. The
// process is a short-lived batch, so collectors live on a private registry
// that is pushed to a Pushgateway once the run finishes.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics groups the collectors recorded during runs.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	activeWorkers      prometheus.Gauge
	archiveEntries     prometheus.Counter
	validationFailures *prometheus.CounterVec
	runsTotal          *prometheus.CounterVec
	runDurationSeconds prometheus.Histogram
	sinkFailures       *prometheus.CounterVec
	lastRunTimestamp   prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridfetch_jobs_total",
				Help: "Total number of collection jobs processed, labeled by category and status.",
			},
			[]string{"category", "status"},
		),
		jobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gridfetch_job_duration_seconds",
				Help:    "Histogram of collection job wall time, labeled by category.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"category"},
		),
		activeWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridfetch_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		),
		archiveEntries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gridfetch_archive_entries_total",
				Help: "Total number of data entries appended to run archives.",
			},
		),
		validationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridfetch_validation_failures_total",
				Help: "Total number of records that failed their category check.",
			},
			[]string{"category"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridfetch_runs_total",
				Help: "Total number of runs, labeled by outcome.",
			},
			[]string{"status"},
		),
		runDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gridfetch_run_duration_seconds",
				Help:    "Histogram of whole-run wall time.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		sinkFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridfetch_sink_failures_total",
				Help: "Total number of failed post-run deliveries, labeled by sink.",
			},
			[]string{"sink"},
		),
		lastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridfetch_last_run_timestamp_seconds",
				Help: "Unix time of the last completed run.",
			},
		),
	}
}

// Registry exposes the underlying registry (for tests and exposition).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveJob records one finished job.
func (m *Metrics) ObserveJob(category, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(category, status).Inc()
	if duration > 0 {
		m.jobDurationSeconds.WithLabelValues(category).Observe(duration.Seconds())
	}
}

// IncActiveWorkers increments the active workers gauge.
func (m *Metrics) IncActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func (m *Metrics) DecActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

// ObserveArchiveEntry counts one appended entry.
func (m *Metrics) ObserveArchiveEntry() {
	if m == nil {
		return
	}
	m.archiveEntries.Inc()
}

// ObserveValidationFailure counts one record that failed its check.
func (m *Metrics) ObserveValidationFailure(category string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(category).Inc()
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, duration time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDurationSeconds.Observe(duration.Seconds())
	m.lastRunTimestamp.Set(float64(finished.Unix()))
}

// ObserveSinkFailure counts a failed post-run delivery.
func (m *Metrics) ObserveSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// Push sends the registry to a Pushgateway under the given job name.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
