// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery implements the Discovery Reconciler: it keeps the
// Sandbox Registry consistent with the union of a filesystem scan and a
// container-runtime control-plane query, preferring the filesystem for
// presence and the control plane for enrichment.
package discovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kata-pulse/kata-pulse/internal/cache"
	"github.com/kata-pulse/kata-pulse/internal/criclient"
	"github.com/kata-pulse/kata-pulse/internal/obsmetrics"
	"github.com/kata-pulse/kata-pulse/internal/registry"
	"github.com/kata-pulse/kata-pulse/lib/clock"
)

// TickInterval is the Reconciler's fixed cadence. It is not
// configurable — unlike the scrape interval, reconcile cadence is an
// internal implementation detail, not an operator-facing knob.
const TickInterval = 5 * time.Second

// sandboxDirs are the two filesystem roots scanned each tick for
// sandbox directories. Either may be absent.
var sandboxDirs = []string{"/run/vc/sbs", "/run/kata"}

// socketFileName is the fixed relative path probed inside each
// sandbox's directory.
const socketFileName = "shim-monitor.sock"

// CRIClient is the subset of criclient.Client the Reconciler depends
// on, narrowed for testability.
type CRIClient interface {
	ListPodSandboxes(ctx context.Context) ([]criclient.Sandbox, error)
}

// Reconciler runs the discovery algorithm on a fixed tick.
type Reconciler struct {
	registry *registry.Registry
	cache    *cache.Cache
	cri      CRIClient
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
	logger   *slog.Logger

	dirs        []string
	backoff     time.Duration
	minBackoff  time.Duration
	nextCRIScan time.Time
}

// New constructs a Reconciler. cri may be nil, in which case
// control-plane enrichment is skipped entirely (useful for tests that
// only exercise the filesystem side).
func New(reg *registry.Registry, metricsCache *cache.Cache, cri CRIClient, clk clock.Clock, metrics *obsmetrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		registry:   reg,
		cache:      metricsCache,
		cri:        cri,
		clock:      clk,
		metrics:    metrics,
		logger:     logger,
		dirs:       sandboxDirs,
		minBackoff: time.Second,
	}
}

// Run loops forever on TickInterval until ctx is cancelled. Each tick
// runs to completion before the next begins; a slow tick is never
// caught up on.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconcile iteration: filesystem scan, control-plane
// query (subject to backoff), registry updates, and cache eviction for
// deleted sandboxes.
func (r *Reconciler) Tick(ctx context.Context) {
	now := r.clock.Now()

	known := r.registry.Snapshot()
	knownIDs := make(map[string]bool, len(known))
	for _, record := range known {
		knownIDs[record.ID] = true
	}

	foundOnDisk := r.scanFilesystem(now)

	for id, fields := range foundOnDisk {
		if knownIDs[id] {
			if fields.SocketPath != "" {
				r.registry.SetSocketPath(id, fields.SocketPath)
			}
			continue
		}
		r.registry.UpsertIfAbsent(id, fields)
	}

	eligibleForEnrichment, presentInCRI, criErr := r.queryCRI(ctx, now)
	if criErr != nil {
		r.logger.Warn("control-plane query failed, skipping enrichment and deletion this tick", "error", criErr)
		if r.metrics != nil {
			r.metrics.ReconcileErrors.Inc()
		}
		r.setActiveGauge()
		return
	}

	for id, fields := range eligibleForEnrichment {
		if _, onDisk := foundOnDisk[id]; !onDisk && !knownIDs[id] {
			// Not yet locally observable; wait for the filesystem scan.
			continue
		}
		r.registry.Enrich(id, fields, now)
	}

	for id := range knownIDs {
		_, onDisk := foundOnDisk[id]
		if onDisk || presentInCRI[id] {
			continue
		}
		r.registry.Delete(id)
		r.cache.Delete(id)
		r.logger.Debug("sandbox removed", "sandbox_id", id)
	}

	r.setActiveGauge()
}

func (r *Reconciler) setActiveGauge() {
	if r.metrics != nil {
		r.metrics.ActiveSandboxes.Set(float64(r.registry.Len()))
	}
}

// scanFilesystem scans both sandbox directories and returns the
// discovery fields for every id found. A directory that cannot be read
// is treated as empty; the other directory is still scanned.
func (r *Reconciler) scanFilesystem(now time.Time) map[string]registry.DiscoveryFields {
	found := make(map[string]registry.DiscoveryFields)

	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn("scanning sandbox directory", "dir", dir, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			id := entry.Name()

			fields, exists := found[id]
			if exists && fields.SocketPath != "" {
				continue // an earlier directory already yielded a socket
			}

			socketPath := filepath.Join(dir, id, socketFileName)
			if _, err := os.Stat(socketPath); err != nil {
				if !exists {
					found[id] = registry.DiscoveryFields{DiscoveredAt: now}
				}
				continue
			}
			found[id] = registry.DiscoveryFields{SocketPath: socketPath, DiscoveredAt: now}
		}
	}

	return found
}

// queryCRI calls the control plane, honoring the exponential backoff
// set by a prior failure. It returns two views of the same result: one
// narrowed to sandboxes eligible for enrichment (Ready, per spec's
// resolution of that open question), and one recording every sandbox
// the control plane reports at all, readiness notwithstanding — the
// deletion rule in Tick must key off the latter, since a sandbox the
// control plane still lists (just not yet Ready) is not "absent from
// C" and must not be deleted on that basis. Returns two empty maps and
// a nil error — not an error — when a query is skipped due to backoff;
// callers should treat that the same as "this tick had no
// control-plane data" without flagging a fresh error.
func (r *Reconciler) queryCRI(ctx context.Context, now time.Time) (eligibleForEnrichment map[string]registry.CRIFields, presentInCRI map[string]bool, err error) {
	if r.cri == nil {
		return map[string]registry.CRIFields{}, map[string]bool{}, nil
	}
	if !r.nextCRIScan.IsZero() && now.Before(r.nextCRIScan) {
		return map[string]registry.CRIFields{}, map[string]bool{}, nil
	}

	sandboxes, listErr := r.cri.ListPodSandboxes(ctx)
	if listErr != nil {
		r.advanceBackoff(now)
		return nil, nil, listErr
	}

	r.backoff = 0
	r.nextCRIScan = time.Time{}

	eligibleForEnrichment = make(map[string]registry.CRIFields, len(sandboxes))
	presentInCRI = make(map[string]bool, len(sandboxes))
	for _, s := range sandboxes {
		presentInCRI[s.ID] = true
		if !s.Ready {
			continue
		}
		eligibleForEnrichment[s.ID] = registry.CRIFields{PodName: s.PodName, Namespace: s.Namespace, PodUID: s.PodUID}
	}
	return eligibleForEnrichment, presentInCRI, nil
}

// advanceBackoff doubles the backoff delay, bounded by the tick
// cadence, and resets to the base delay on the next success (handled in
// queryCRI).
func (r *Reconciler) advanceBackoff(now time.Time) {
	if r.backoff == 0 {
		r.backoff = r.minBackoff
	} else {
		r.backoff *= 2
		if r.backoff > TickInterval {
			r.backoff = TickInterval
		}
	}
	r.nextCRIScan = now.Add(r.backoff)
}
