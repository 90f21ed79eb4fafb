// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package scrape implements the Scraper: on every tick it fans out over
// the Sandbox Registry's current snapshot, fetches each sandbox's
// exposition-format metrics over its private Unix socket, converts
// them, and commits the result to the Metrics Cache.
package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kata-pulse/kata-pulse/internal/cache"
	"github.com/kata-pulse/kata-pulse/internal/convert"
	"github.com/kata-pulse/kata-pulse/internal/obsmetrics"
	"github.com/kata-pulse/kata-pulse/internal/promtext"
	"github.com/kata-pulse/kata-pulse/internal/registry"
	"github.com/kata-pulse/kata-pulse/lib/clock"
	"github.com/kata-pulse/kata-pulse/lib/netutil"
)

// MinConcurrency is the smallest allowed bound on simultaneous
// per-sandbox scrapes.
const MinConcurrency = 8

// RequestTimeout is the hard per-sandbox fetch deadline.
const RequestTimeout = 3 * time.Second

// Scraper periodically fetches, parses, and converts metrics from every
// known sandbox.
type Scraper struct {
	registry    *registry.Registry
	cache       *cache.Cache
	clock       clock.Clock
	metrics     *obsmetrics.Metrics
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
	client      *http.Client
}

// New constructs a Scraper. concurrency is clamped up to MinConcurrency.
func New(reg *registry.Registry, metricsCache *cache.Cache, clk clock.Clock, metrics *obsmetrics.Metrics, logger *slog.Logger, interval time.Duration, concurrency int) *Scraper {
	if concurrency < MinConcurrency {
		concurrency = MinConcurrency
	}
	return &Scraper{
		registry:    reg,
		cache:       metricsCache,
		clock:       clk,
		metrics:     metrics,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
		client:      newUnixSocketClient(),
	}
}

// newUnixSocketClient returns a client whose request URL host is a
// socket path. The transport appends the default port to that host
// before dialing, so the dialer strips it off again.
func newUnixSocketClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				socketPath, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, fmt.Errorf("parsing dial address %q: %w", addr, err)
				}
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// Run loops on the configured interval until ctx is cancelled. A tick
// already in flight when ctx is cancelled is allowed to finish; no new
// tick starts afterward.
func (s *Scraper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fans out over the current registry snapshot and blocks until
// every sandbox has been scraped, converted, and committed (or has
// failed).
func (s *Scraper) Tick(ctx context.Context) {
	records := s.registry.Snapshot()

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for _, record := range records {
		record := record
		if record.SocketPath == "" {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.scrapeOne(ctx, record)
		}()
	}

	wg.Wait()
}

func (s *Scraper) scrapeOne(ctx context.Context, record registry.Record) {
	if s.metrics != nil {
		s.metrics.ScrapeAttempts.Inc()
	}

	start := s.clock.Now()
	body, err := s.fetch(ctx, record.SocketPath)
	duration := s.clock.Now().Sub(start)
	durationMS := float64(duration) / float64(time.Millisecond)

	if s.metrics != nil {
		s.metrics.ScrapeDuration.Observe(durationMS)
	}

	if err != nil {
		if s.metrics != nil {
			s.metrics.ScrapeFailures.Inc()
		}
		if netutil.IsExpectedCloseError(err) {
			s.logger.Debug("scrape connection closed, likely sandbox teardown", "sandbox_id", record.ID, "error", err)
		} else {
			s.logger.Warn("scrape failed", "sandbox_id", record.ID, "error", err)
		}
		s.cache.Put(cache.Entry{
			SandboxID:        record.ID,
			CollectedAt:      s.clock.Now(),
			Ok:               false,
			ScrapeDurationMS: durationMS,
			Error:            err.Error(),
		})
		return
	}

	result := promtext.Parse(body)
	if result.Skipped > 0 {
		s.logger.Debug("skipped malformed exposition lines", "sandbox_id", record.ID, "skipped", result.Skipped)
		if s.metrics != nil {
			s.metrics.ParseSkipped.Add(float64(result.Skipped))
		}
	}

	families := convert.Convert(result.Families, convert.StandardLabels{
		SandboxID: record.ID,
		PodName:   record.PodName,
		Namespace: record.Namespace,
	})

	s.cache.Put(cache.Entry{
		SandboxID:        record.ID,
		CollectedAt:      s.clock.Now(),
		Ok:               true,
		Families:         families,
		ScrapeDurationMS: durationMS,
	})
}

// fetch opens a connection to socketPath, issues GET /metrics, and
// returns the full response body. The request is bound by
// RequestTimeout regardless of ctx's own deadline.
func (s *Scraper) fetch(ctx context.Context, socketPath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/metrics", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.URL.Host = socketPath
	// A socket path is not a valid Host header; send a fixed one.
	req.Host = "shim"

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, socketPath, netutil.ErrorBody(resp.Body))
	}

	body, err := netutil.ReadResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", socketPath, err)
	}
	return body, nil
}
