// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"syscall"
)

const (
	// ExitRetire is the exit status of a worker that shut down on
	// purpose. The supervisor marks it do-not-restart.
	ExitRetire = 0

	// ExitCrash is the exit status a worker uses for an unrecoverable
	// error. Any non-zero status has the same effect.
	ExitCrash = 1
)

// ShouldRestart reports whether a worker that exited with exitCode
// must be restarted. Signals surface as -1 from os/exec and count as
// crashes.
func ShouldRestart(exitCode int) bool {
	return exitCode != ExitRetire
}

// SignalExitCode is the status a worker exits with when it stops
// because of sig rather than at the supervisor's request: 128 plus the
// signal number, as a shell reports it. It is never ExitRetire, so an
// operator's kill gets the worker restarted.
func SignalExitCode(sig syscall.Signal) int {
	return 128 + int(sig)
}

// Fatal writes "error: err" to stderr and exits with ExitCrash. Use it
// in main() for errors returned before or after the logger exists.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCrash)
}
