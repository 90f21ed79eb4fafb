// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kata-pulse/kata-pulse/internal/cache"
	"github.com/kata-pulse/kata-pulse/internal/criclient"
	"github.com/kata-pulse/kata-pulse/internal/registry"
	"github.com/kata-pulse/kata-pulse/lib/clock"
	"github.com/kata-pulse/kata-pulse/lib/testutil"
)

func TestRunExitsOnContextCancellation(t *testing.T) {
	r, _, _ := newTestReconciler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	cancel()

	testutil.RequireClosed(t, done, 2*time.Second, "reconciler did not exit after context cancellation")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeSandboxDir(t *testing.T, root, id string, withSocket bool) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if withSocket {
		if err := os.WriteFile(filepath.Join(dir, socketFileName), nil, 0o644); err != nil {
			t.Fatalf("touch socket: %v", err)
		}
	}
}

type fakeCRI struct {
	sandboxes []criclient.Sandbox
	err       error
	calls     int
}

func (f *fakeCRI) ListPodSandboxes(ctx context.Context) ([]criclient.Sandbox, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.sandboxes, nil
}

func newTestReconciler(t *testing.T, cri CRIClient) (*Reconciler, *registry.Registry, *cache.Cache) {
	t.Helper()
	reg := registry.New()
	c := cache.New()
	r := New(reg, c, cri, clock.Real(), nil, discardLogger())
	root := testutil.SocketDir(t)
	r.dirs = []string{filepath.Join(root, "sbs"), filepath.Join(root, "kata")}
	for _, d := range r.dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return r, reg, c
}

func TestBareDiscoveryCreatesRecord(t *testing.T) {
	r, reg, _ := newTestReconciler(t, nil)
	makeSandboxDir(t, r.dirs[0], "s1", true)

	r.Tick(context.Background())

	record, ok := reg.Get("s1")
	if !ok {
		t.Fatal("expected s1 to be discovered")
	}
	if record.SocketPath == "" {
		t.Error("expected socket path to be set")
	}
	if record.HasCRIFields() {
		t.Error("expected no CRI fields without a control-plane client")
	}
}

func TestSocketDiscoveredOnLaterTick(t *testing.T) {
	r, reg, _ := newTestReconciler(t, nil)
	makeSandboxDir(t, r.dirs[0], "s1", false)

	r.Tick(context.Background())
	record, _ := reg.Get("s1")
	if record.SocketPath != "" {
		t.Fatal("expected no socket path yet")
	}

	socketPath := filepath.Join(r.dirs[0], "s1", socketFileName)
	if err := os.WriteFile(socketPath, nil, 0o644); err != nil {
		t.Fatalf("write socket: %v", err)
	}

	r.Tick(context.Background())
	record, _ = reg.Get("s1")
	if record.SocketPath == "" {
		t.Error("expected socket path to be discovered on second tick")
	}
}

func TestControlPlaneEnrichment(t *testing.T) {
	cri := &fakeCRI{sandboxes: []criclient.Sandbox{
		{ID: "s1", PodName: "p", Namespace: "n", PodUID: "u", Ready: true},
	}}
	r, reg, _ := newTestReconciler(t, cri)
	makeSandboxDir(t, r.dirs[0], "s1", true)

	r.Tick(context.Background())

	record, ok := reg.Get("s1")
	if !ok {
		t.Fatal("expected s1 to exist")
	}
	if record.PodName != "p" || record.Namespace != "n" || record.PodUID != "u" {
		t.Errorf("expected enrichment, got %+v", record)
	}
	if record.ID != "s1" {
		t.Errorf("id must remain the sandbox id, not the pod uid: %+v", record)
	}
}

func TestControlPlaneDoesNotAddUnobservedSandbox(t *testing.T) {
	cri := &fakeCRI{sandboxes: []criclient.Sandbox{
		{ID: "ghost", PodName: "p", Namespace: "n", PodUID: "u", Ready: true},
	}}
	r, reg, _ := newTestReconciler(t, cri)

	r.Tick(context.Background())

	if _, ok := reg.Get("ghost"); ok {
		t.Fatal("a sandbox only known to the control plane must not be added yet")
	}
}

func TestNotReadySandboxIsNotEnriched(t *testing.T) {
	cri := &fakeCRI{sandboxes: []criclient.Sandbox{
		{ID: "s1", PodName: "p", Namespace: "n", PodUID: "u", Ready: false},
	}}
	r, reg, _ := newTestReconciler(t, cri)
	makeSandboxDir(t, r.dirs[0], "s1", true)

	r.Tick(context.Background())

	record, _ := reg.Get("s1")
	if record.HasCRIFields() {
		t.Errorf("a not-ready sandbox must not be enriched: %+v", record)
	}
}

func TestNotReadySandboxStillBlocksDeletion(t *testing.T) {
	cri := &fakeCRI{sandboxes: []criclient.Sandbox{
		{ID: "s1", PodName: "p", Namespace: "n", PodUID: "u", Ready: true},
	}}
	r, reg, _ := newTestReconciler(t, cri)
	makeSandboxDir(t, r.dirs[0], "s1", true)
	r.Tick(context.Background())

	if err := os.RemoveAll(filepath.Join(r.dirs[0], "s1")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cri.sandboxes[0].Ready = false

	r.Tick(context.Background())

	if _, ok := reg.Get("s1"); !ok {
		t.Fatal("a sandbox the control plane still lists (even if not Ready) must not be deleted")
	}
}

func TestDeletionRequiresAbsenceFromBothSources(t *testing.T) {
	cri := &fakeCRI{sandboxes: []criclient.Sandbox{
		{ID: "s1", PodName: "p", Namespace: "n", PodUID: "u", Ready: true},
	}}
	r, reg, metricsCache := newTestReconciler(t, cri)
	makeSandboxDir(t, r.dirs[0], "s1", true)
	r.Tick(context.Background())
	metricsCache.Put(cache.Entry{SandboxID: "s1", Ok: true})

	if err := os.RemoveAll(filepath.Join(r.dirs[0], "s1")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cri.sandboxes = nil

	r.Tick(context.Background())

	if _, ok := reg.Get("s1"); ok {
		t.Fatal("expected s1 to be deleted once absent from both sources")
	}
	if _, ok := metricsCache.Get("s1"); ok {
		t.Fatal("expected s1's cache entry to be dropped alongside its record")
	}
}

func TestFilesystemOnlyPersistsAcrossTransientControlPlaneAbsence(t *testing.T) {
	r, reg, _ := newTestReconciler(t, &fakeCRI{})
	makeSandboxDir(t, r.dirs[0], "s1", true)

	r.Tick(context.Background())
	r.Tick(context.Background())

	if _, ok := reg.Get("s1"); !ok {
		t.Fatal("a sandbox known only on disk must persist across ticks")
	}
}

func TestControlPlaneFailureSkipsEnrichmentAndDeletion(t *testing.T) {
	cri := &fakeCRI{sandboxes: []criclient.Sandbox{
		{ID: "s1", PodName: "p", Namespace: "n", PodUID: "u", Ready: true},
	}}
	r, reg, _ := newTestReconciler(t, cri)
	makeSandboxDir(t, r.dirs[0], "s1", true)
	r.Tick(context.Background())

	record, _ := reg.Get("s1")
	if !record.HasCRIFields() {
		t.Fatal("setup: expected enrichment before the failure")
	}

	cri.err = errors.New("connection refused")
	if err := os.RemoveAll(filepath.Join(r.dirs[0], "s1")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	r.Tick(context.Background())

	if _, ok := reg.Get("s1"); !ok {
		t.Fatal("a control-plane failure must not degrade an existing record by deleting it")
	}
}

func TestBackoffGrowsAndResetsOnSuccess(t *testing.T) {
	cri := &fakeCRI{err: errors.New("unavailable")}
	r, _, _ := newTestReconciler(t, cri)

	now := time.Now()
	_, _, err := r.queryCRI(context.Background(), now)
	if err == nil {
		t.Fatal("expected an error")
	}
	firstBackoff := r.backoff
	if firstBackoff != r.minBackoff {
		t.Fatalf("expected first backoff to equal the base delay, got %v", firstBackoff)
	}

	_, _, err = r.queryCRI(context.Background(), now.Add(firstBackoff))
	if err == nil {
		t.Fatal("expected a second error")
	}
	if r.backoff <= firstBackoff {
		t.Fatalf("expected backoff to grow, got %v then %v", firstBackoff, r.backoff)
	}

	cri.err = nil
	cri.sandboxes = nil
	_, _, err = r.queryCRI(context.Background(), now.Add(TickInterval*10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.backoff != 0 {
		t.Errorf("expected backoff to reset after success, got %v", r.backoff)
	}
}
