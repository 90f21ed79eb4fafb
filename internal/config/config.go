// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package config resolves kata-pulse's four-value configuration surface
// from CLI flags and environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// ListenAddress is the HTTP bind target for the serving adapter.
	ListenAddress string

	// RuntimeEndpoint is the Unix socket path of the container-runtime
	// control-plane (CRI) endpoint.
	RuntimeEndpoint string

	// MetricsInterval is the scrape tick period.
	MetricsInterval time.Duration

	// LogLevel is the parsed slog level for the structured logger.
	LogLevel slog.Level
}

const (
	defaultListenAddress   = "127.0.0.1:8090"
	defaultRuntimeEndpoint = "/run/containerd/containerd.sock"
	defaultMetricsInterval = 60 * time.Second
	defaultLogLevel        = "info"
)

// envLookup matches os.LookupEnv's signature, injected for testability.
type envLookup func(key string) (string, bool)

// Load parses args against fs and resolves each option as: explicit CLI
// flag value wins, else the named environment variable, else the
// built-in default. fs must not have been parsed yet.
func Load(fs *flag.FlagSet, args []string, lookupEnv envLookup) (*Config, error) {
	listenAddress := fs.String("listen-address", "", "HTTP bind target (env KATA_PULSE_LISTEN_ADDRESS)")
	runtimeEndpoint := fs.String("runtime-endpoint", "", "control-plane socket path (env KATA_PULSE_RUNTIME_ENDPOINT)")
	metricsIntervalSecs := fs.String("metrics-interval-secs", "", "scrape tick period in seconds (env KATA_PULSE_METRICS_INTERVAL_SECS)")
	logLevel := fs.String("log-level", "", "log verbosity: trace|debug|info|warn|error (env KATA_PULSE_LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	resolvedListenAddress := resolve(*listenAddress, "KATA_PULSE_LISTEN_ADDRESS", defaultListenAddress, lookupEnv)
	resolvedRuntimeEndpoint := resolve(*runtimeEndpoint, "KATA_PULSE_RUNTIME_ENDPOINT", defaultRuntimeEndpoint, lookupEnv)
	resolvedLogLevel := resolve(*logLevel, "KATA_PULSE_LOG_LEVEL", defaultLogLevel, lookupEnv)

	intervalSecs := resolve(*metricsIntervalSecs, "KATA_PULSE_METRICS_INTERVAL_SECS", "", lookupEnv)
	interval := defaultMetricsInterval
	if intervalSecs != "" {
		seconds, err := strconv.Atoi(intervalSecs)
		if err != nil {
			return nil, fmt.Errorf("invalid metrics interval %q: %w", intervalSecs, err)
		}
		if seconds <= 0 {
			return nil, fmt.Errorf("metrics interval must be > 0, got %d", seconds)
		}
		interval = time.Duration(seconds) * time.Second
	}

	level, err := parseLogLevel(resolvedLogLevel)
	if err != nil {
		return nil, err
	}

	if resolvedListenAddress == "" {
		return nil, fmt.Errorf("listen address must not be empty")
	}
	if resolvedRuntimeEndpoint == "" {
		return nil, fmt.Errorf("runtime endpoint must not be empty")
	}

	return &Config{
		ListenAddress:   resolvedListenAddress,
		RuntimeEndpoint: resolvedRuntimeEndpoint,
		MetricsInterval: interval,
		LogLevel:        level,
	}, nil
}

// resolve applies the CLI-over-environment-over-default precedence for a
// single string option.
func resolve(flagValue, envKey, fallback string, lookupEnv envLookup) string {
	if flagValue != "" {
		return flagValue
	}
	if value, ok := lookupEnv(envKey); ok && value != "" {
		return value
	}
	return fallback
}

// parseLogLevel maps the spec's five-level vocabulary onto slog's levels.
// slog has no "trace" level; it is mapped one step below Debug.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return slog.LevelDebug - 4, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: want trace|debug|info|warn|error", level)
	}
}
