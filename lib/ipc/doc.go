// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the control channel between the supervisor and
// each worker process.
//
// The supervisor creates a unix socketpair for every spawn and hands
// one end to the worker as file descriptor 3 (ChildFD). Frames are CBOR
// Messages written back to back on the stream. Command traffic between
// workers does not use this channel; it travels over the bus relay.
// The channel only carries lifecycle signaling:
//
//   - ready: worker → supervisor, after the worker's bus handshake.
//   - terminate: supervisor → worker, asking it to exit with ExitCode.
//
// A worker that reads EOF from the channel has lost its supervisor and
// exits on its own.
package ipc
