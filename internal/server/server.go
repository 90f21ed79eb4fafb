// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP serving adapter: it exposes the
// Aggregation View as exposition text, the known sandbox set as JSON,
// a human-readable index, and a liveness probe. It performs no upstream
// I/O — handlers read only from the Registry, the Metrics Cache, and
// (for /metrics) the in-process gatherer of internal instruments.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/kata-pulse/kata-pulse/internal/cache"
	"github.com/kata-pulse/kata-pulse/internal/promtext"
	"github.com/kata-pulse/kata-pulse/internal/registry"
)

// Server holds the read-only dependencies needed to answer HTTP
// requests.
type Server struct {
	registry *registry.Registry
	cache    *cache.Cache
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	mux      *http.ServeMux

	readyOnce sync.Once
	ready     chan struct{}
}

// New builds a Server with its routes registered. gatherer supplies the
// internal kata_pulse_ observability instruments merged into /metrics
// output; pass the same registry obsmetrics.New registered against.
func New(reg *registry.Registry, metricsCache *cache.Cache, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{registry: reg, cache: metricsCache, gatherer: gatherer, logger: logger, ready: make(chan struct{})}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/sandboxes", s.handleSandboxes)
	s.mux.HandleFunc("/healthz", s.handleHealthz)

	return s
}

// ServeHTTP makes Server usable directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// MarkReady signals that the process has completed its startup
// sequence; handleHealthz returns 200 only after this has been called.
// Safe to call more than once.
func (s *Server) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready returns a channel that is closed once MarkReady has been
// called.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ready:
	default:
		http.Error(w, "starting up", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sandboxes := s.registry.Snapshot()

	if wantsHTML(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintln(w, "<html><head><title>kata-pulse</title></head><body>")
		fmt.Fprintf(w, "<h1>kata-pulse</h1><p>%d sandbox(es) known</p><ul>\n", len(sandboxes))
		for _, record := range sandboxes {
			fmt.Fprintf(w, "<li>%s</li>\n", htmlEscape(record.ID))
		}
		fmt.Fprintln(w, "</ul><p><a href=\"/metrics\">/metrics</a> &middot; <a href=\"/sandboxes\">/sandboxes</a></p></body></html>")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "kata-pulse: %d sandbox(es) known\n", len(sandboxes))
	for _, record := range sandboxes {
		fmt.Fprintln(w, record.ID)
	}
}

func wantsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "text/html", "application/xhtml+xml":
			return true
		case "text/plain":
			return false
		}
	}
	return false
}

func htmlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.URL.Query().Get("sandbox")

	samples, ok := s.cache.Aggregate(sandboxID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown sandbox %q", sandboxID), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var lastMetric string
	for _, sample := range samples {
		if sample.MetricName != lastMetric {
			fmt.Fprintf(w, "# TYPE %s %s\n", sample.MetricName, sample.MetricType)
			lastMetric = sample.MetricName
		}
		fmt.Fprintf(w, "%s%s %s\n", sample.MetricName, promtext.FormatLabels(sample.Sample.Labels), formatValue(sample.Sample.Value))
	}

	s.writeInternalMetrics(w)
}

// writeInternalMetrics appends the daemon's own kata_pulse_ instruments
// to an in-progress /metrics response. Unlike the container_* samples
// above, the exposition-format encoding here is the library's own —
// prometheus/common/expfmt is the same encoder promhttp.Handler uses,
// appropriate because these families carry no bespoke ordering or
// omission rules to preserve.
func (s *Server) writeInternalMetrics(w http.ResponseWriter) {
	if s.gatherer == nil {
		return
	}
	families, err := s.gatherer.Gather()
	if err != nil {
		s.logger.Warn("gathering internal metrics", "error", err)
		return
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			s.logger.Warn("encoding internal metric family", "family", family.GetName(), "error", err)
			return
		}
	}
}

func formatValue(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
}

type sandboxView struct {
	SandboxID string `json:"sandbox_id"`
	PodName   string `json:"pod_name"`
	Namespace string `json:"namespace"`
	UID       string `json:"uid"`
}

func (s *Server) handleSandboxes(w http.ResponseWriter, r *http.Request) {
	records := s.registry.Snapshot()

	views := make([]sandboxView, 0, len(records))
	for _, record := range records {
		views = append(views, sandboxView{
			SandboxID: record.ID,
			PodName:   record.PodName,
			Namespace: record.Namespace,
			UID:       record.PodUID,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.Error("encoding sandboxes response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
