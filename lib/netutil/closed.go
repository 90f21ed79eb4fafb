// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection termination:
// EOF, closed connection, broken pipe, or connection reset. These errors occur
// when the peer goes away while a read or write is in flight, such as a
// sandbox shim exiting in the middle of a scrape.
//
// A peer that closes the whole connection (rather than half-closing via
// CloseWrite) produces ECONNRESET and EPIPE instead of EOF on this side. All
// four are expected and should not be logged as errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
