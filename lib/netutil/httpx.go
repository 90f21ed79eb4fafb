// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O utilities for kata-pulse.
//
// HTTP response helpers (ReadResponse, ErrorBody) bound all response body
// reads at MaxResponseSize to prevent unbounded memory allocation from a
// misbehaving sandbox shim. Not for streaming responses (SSE, chunked
// transfers) or large binary downloads, which should be read incrementally
// with io.Copy.
//
// Connection error helpers (IsExpectedCloseError) classify errors that occur
// during normal connection teardown, such as a sandbox shim exiting mid-scrape.
package netutil

import (
	"io"
)

// MaxResponseSize is the bound on response body reads: 256 MB. This exists
// solely to prevent a pathological response from exhausting system memory.
// A legitimate exposition-format scrape body is orders of magnitude smaller;
// the limit is intentionally generous so that it never interferes with
// normal operation.
const MaxResponseSize int64 = 256 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes. Use
// instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorBody reads an HTTP error response body and returns it as a string for
// diagnostic error messages. Read errors are silently ignored — a partial or
// empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
