// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache holds the most recently converted metrics batch for
// each sandbox. It is written by the Scraper on every commit and by the
// Discovery Reconciler on deletion, and read by the HTTP serving
// adapter.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/kata-pulse/kata-pulse/internal/convert"
	"github.com/kata-pulse/kata-pulse/internal/promtext"
)

// Entry is one sandbox's latest scrape result. A failed scrape still
// produces an entry — Ok is false and Families is nil, not the entry
// from a prior successful scrape. Failure is visible, not hidden.
type Entry struct {
	SandboxID        string
	CollectedAt      time.Time
	Ok               bool
	Families         []convert.ConvertedMetric
	ScrapeDurationMS float64
	Error            string
}

// AggregatedSample is one sample in the AggregationView, tagged with
// which metric and sandbox it came from.
type AggregatedSample struct {
	MetricName string
	MetricType promtext.MetricType
	SandboxID  string
	Sample     promtext.Sample
}

// Cache is a concurrent map keyed by sandbox id. Each entry is replaced
// atomically as a whole value; readers never observe a partially
// written entry. A single sync.RWMutex guards the map itself, not the
// entries. Get holds the read lock for a map lookup plus one struct
// copy; List (and Aggregate, through it) holds it while copying every
// entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Put replaces any existing entry for id atomically.
func (c *Cache) Put(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.SandboxID] = entry
}

// Delete drops the entry for id, if present.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	return entry, ok
}

// List returns all entries sorted by sandbox id.
func (c *Cache) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SandboxID < out[j].SandboxID })
	return out
}

// Len returns the number of entries currently held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Aggregate builds the AggregationView: every entry's converted
// families concatenated in a deterministic order — by metric name, then
// by sandbox id — optionally restricted to one sandbox. An unknown
// sandbox id (when restrict is non-empty) yields ok=false so the caller
// can distinguish "no entry" from "entry with no samples".
func (c *Cache) Aggregate(restrict string) (samples []AggregatedSample, ok bool) {
	entries := c.List()

	if restrict != "" {
		filtered := entries[:0:0]
		found := false
		for _, e := range entries {
			if e.SandboxID == restrict {
				filtered = append(filtered, e)
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
		entries = filtered
	}

	for _, entry := range entries {
		if !entry.Ok {
			continue
		}
		for _, family := range entry.Families {
			for _, sample := range family.Samples {
				samples = append(samples, AggregatedSample{
					MetricName: family.Name,
					MetricType: family.Type,
					SandboxID:  entry.SandboxID,
					Sample:     sample,
				})
			}
		}
	}

	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].MetricName != samples[j].MetricName {
			return samples[i].MetricName < samples[j].MetricName
		}
		return samples[i].SandboxID < samples[j].SandboxID
	})

	return samples, true
}
