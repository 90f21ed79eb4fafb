// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package obsmetrics registers the daemon's own process-wide
// observability counters, distinct from the container_* metrics the
// Converter produces. These describe the daemon's health, not the
// sandboxes it watches.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the daemon's internal instrumentation, all registered
// under the kata_pulse_ namespace.
type Metrics struct {
	ScrapeAttempts  prometheus.Counter
	ScrapeFailures  prometheus.Counter
	ScrapeDuration  prometheus.Histogram
	ActiveSandboxes prometheus.Gauge

	ReconcileErrors prometheus.Counter
	ParseSkipped    prometheus.Counter
}

// New creates the metric instruments and registers them against
// registry. Call once per process.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScrapeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kata_pulse",
			Name:      "scrape_attempts_total",
			Help:      "Total number of per-sandbox scrape attempts.",
		}),
		ScrapeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kata_pulse",
			Name:      "scrape_failures_total",
			Help:      "Total number of per-sandbox scrapes that failed or timed out.",
		}),
		ScrapeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kata_pulse",
			Name:      "scrape_duration_milliseconds",
			Help:      "Per-sandbox scrape duration in milliseconds.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		}),
		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kata_pulse",
			Name:      "active_sandboxes",
			Help:      "Number of sandboxes currently known to the registry.",
		}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kata_pulse",
			Name:      "reconcile_errors_total",
			Help:      "Total number of discovery reconcile ticks whose control-plane query failed.",
		}),
		ParseSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kata_pulse",
			Name:      "exposition_lines_skipped_total",
			Help:      "Total number of exposition-format lines that could not be parsed.",
		}),
	}

	registry.MustRegister(
		m.ScrapeAttempts,
		m.ScrapeFailures,
		m.ScrapeDuration,
		m.ActiveSandboxes,
		m.ReconcileErrors,
		m.ParseSkipped,
	)

	return m
}
