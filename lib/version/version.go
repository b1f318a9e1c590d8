// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of shardvisor is running. The
// supervisor, relay and worker binaries print it for --version, and the
// supervisor logs it at startup so a restarted cluster can be matched
// to the binary that spawned it.
//
// Release builds stamp the commit and time with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/shardvisor/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Stamped by -ldflags; unstamped builds report "unknown".
var (
	GitCommit = "unknown"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info describes this build: version, commit, build time and Go
// toolchain.
func Info() string {
	return fmt.Sprintf("%s (%s, %s, %s)", Version, GitCommit, BuildTime, runtime.Version())
}

// Banner is the --version line for binary, e.g.
// "shardvisor-relay 0.1.0-dev (abc1234, unknown, go1.25.6)".
func Banner(binary string) string {
	return binary + " " + Info()
}
