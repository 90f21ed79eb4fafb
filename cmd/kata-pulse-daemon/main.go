// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Command kata-pulse-daemon is the per-node telemetry daemon: it
// discovers Kata Container sandboxes on the local host, scrapes their
// guest-VM metrics, converts them into a container-oriented schema, and
// serves the result over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kata-pulse/kata-pulse/internal/cache"
	"github.com/kata-pulse/kata-pulse/internal/config"
	"github.com/kata-pulse/kata-pulse/internal/criclient"
	"github.com/kata-pulse/kata-pulse/internal/discovery"
	"github.com/kata-pulse/kata-pulse/internal/obsmetrics"
	"github.com/kata-pulse/kata-pulse/internal/registry"
	"github.com/kata-pulse/kata-pulse/internal/scrape"
	"github.com/kata-pulse/kata-pulse/internal/server"
	"github.com/kata-pulse/kata-pulse/lib/clock"
	"github.com/kata-pulse/kata-pulse/lib/process"
	"github.com/kata-pulse/kata-pulse/lib/version"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Println(version.Full())
		return
	}

	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	cfg, err := config.Load(flag.NewFlagSet("kata-pulse-daemon", flag.ContinueOnError), args, lookupEnv)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("starting kata-pulse-daemon",
		"version", version.Short(),
		"listen_address", cfg.ListenAddress,
		"runtime_endpoint", cfg.RuntimeEndpoint,
		"metrics_interval", cfg.MetricsInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := registry.New()
	metricsCache := cache.New()
	promRegistry := prometheus.NewRegistry()
	metrics := obsmetrics.New(promRegistry)
	realClock := clock.Real()

	dialCtx, dialCancel := context.WithTimeout(ctx, criclient.DialTimeout)
	criConn, err := criclient.Dial(dialCtx, cfg.RuntimeEndpoint)
	dialCancel()
	if err != nil {
		return fmt.Errorf("connecting to control-plane endpoint: %w", err)
	}
	defer criConn.Close()

	reconciler := discovery.New(reg, metricsCache, criConn, realClock, metrics, logger.With("component", "discovery"))
	scraper := scrape.New(reg, metricsCache, realClock, metrics, logger.With("component", "scrape"), cfg.MetricsInterval, scrape.MinConcurrency)

	srv := server.New(reg, metricsCache, promRegistry, logger.With("component", "server"))
	httpServer := &http.Server{Handler: srv}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.ListenAddress, err)
	}

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(ctx)
	}()

	scraperDone := make(chan struct{})
	go func() {
		defer close(scraperDone)
		scraper.Run(ctx)
	}()

	// Background loops are launched and the listener is bound; /healthz
	// can now answer 200 instead of 503.
	srv.MarkReady()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down HTTP server", "error", err)
	}

	<-reconcilerDone
	<-scraperDone
	logger.Info("shutdown complete")
	return nil
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}
