// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for kata-pulse packages.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. This exists because Unix domain sockets have a
// 108-byte path limit (sun_path in sockaddr_un), and t.TempDir() paths
// can be deeply nested enough to exceed it. The directory is
// automatically removed when the test completes.
//
// [RequireClosed] encapsulates the timeout safety valve pattern (select
// with time.After fallback) so that individual tests do not need direct
// time.After calls when waiting on a signal-by-close channel, such as a
// server's readiness channel or a goroutine's done channel.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
