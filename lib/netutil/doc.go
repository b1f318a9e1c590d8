// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small network I/O helpers shared by the
// gateway client, the control channel and the bus relay.
//
// HTTP response helpers bound body reads at MaxResponseSize so that a
// misbehaving upstream cannot exhaust memory. IsExpectedCloseError
// separates normal connection teardown from failures worth logging.
package netutil
