// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

// IsExpectedCloseError reports whether err means the other end hung up
// rather than something breaking. A worker sees this on its control
// channel when the supervisor exits; the relay sees it when a worker
// closes its bus connection or restarts.
//
// Socket-level teardown (EOF, a closed conn or file, EPIPE, ECONNRESET)
// counts, and so does a websocket close frame carrying normal closure,
// going away, or service restart.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure,
		websocket.CloseGoingAway, websocket.CloseServiceRestart) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
