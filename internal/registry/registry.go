// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the authoritative sandbox_id -> metadata mapping
// for the local node. It is written only by the Discovery Reconciler and
// read by the Scraper and the HTTP serving adapter.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Record is one sandbox's known metadata. Fields are immutable after
// construction except through Registry's mutating operations, which
// always replace the record wholesale rather than mutating in place.
type Record struct {
	ID string

	// PodName, Namespace, and PodUID are set together or not at all
	// (Invariant c): either all three are non-empty, or all three are
	// empty.
	PodName   string
	Namespace string
	PodUID    string

	// SocketPath is the resolved Unix socket path for this sandbox's
	// metrics endpoint. Empty until a filesystem scan finds a socket.
	SocketPath string

	DiscoveredAt time.Time

	// EnrichedAt is the zero time until CRI metadata has been applied.
	EnrichedAt time.Time
}

// HasCRIFields reports whether the record has been enriched with
// control-plane metadata.
func (r Record) HasCRIFields() bool {
	return r.PodName != "" || r.Namespace != "" || r.PodUID != ""
}

// Registry is the single in-memory sandbox store. Safe for concurrent
// use: multiple snapshot readers may run in parallel with each other;
// writers exclude all readers (sync.RWMutex). The lock is not
// reader-preferring: once a writer is waiting, new readers block until
// it has acquired and released the lock.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sandboxes: make(map[string]Record)}
}

// Snapshot returns a consistent point-in-time copy of all records,
// sorted by id. Callers must not assume stability across ticks.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.sandboxes))
	for _, record := range r.sandboxes {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the record for id, if present.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.sandboxes[id]
	return record, ok
}

// DiscoveryFields carries the filesystem-derived fields for a newly
// observed sandbox.
type DiscoveryFields struct {
	SocketPath   string
	DiscoveredAt time.Time
}

// UpsertIfAbsent inserts a record with filesystem-derived fields only if
// id is not already present. Returns whether insertion happened.
func (r *Registry) UpsertIfAbsent(id string, fields DiscoveryFields) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sandboxes[id]; exists {
		return false
	}
	r.sandboxes[id] = Record{
		ID:           id,
		SocketPath:   fields.SocketPath,
		DiscoveredAt: fields.DiscoveredAt,
	}
	return true
}

// CRIFields carries the control-plane-derived enrichment fields for a
// sandbox.
type CRIFields struct {
	PodName   string
	Namespace string
	PodUID    string
}

// Enrich sets the CRI fields on id's record iff they are currently
// unset. Idempotent: calling it again with the same or different fields
// once already enriched has no effect. No-op if id is unknown.
func (r *Registry) Enrich(id string, fields CRIFields, enrichedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.sandboxes[id]
	if !ok || record.HasCRIFields() {
		return
	}
	record.PodName = fields.PodName
	record.Namespace = fields.Namespace
	record.PodUID = fields.PodUID
	record.EnrichedAt = enrichedAt
	r.sandboxes[id] = record
}

// SetSocketPath sets the socket path on id's record if it is currently
// unset, supporting the Reconciler's lazy re-probing of a sandbox
// directory that had no socket at first discovery. No-op if id is
// unknown or already has a socket path.
func (r *Registry) SetSocketPath(id, socketPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.sandboxes[id]
	if !ok || record.SocketPath != "" {
		return
	}
	record.SocketPath = socketPath
	r.sandboxes[id] = record
}

// Delete removes id's record and returns the prior value, if any.
func (r *Registry) Delete(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.sandboxes[id]
	if !ok {
		return Record{}, false
	}
	delete(r.sandboxes, id)
	return record, true
}

// Len returns the number of known sandboxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sandboxes)
}
