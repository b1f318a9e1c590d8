// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/shardvisor/lib/ipc"
)

// SpawnSpec is the immutable topology handed to a worker at spawn
// time.
type SpawnSpec struct {
	ClusterID     int
	ShardIDs      []int
	ShardCount    int
	TotalClusters int
	BotName       string
}

// Process is a running (or exited) worker process.
type Process interface {
	PID() int

	// Alive reports whether the process has not yet been reaped.
	Alive() bool

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// ExitCode is the exit status after Done is closed, and -1 for a
	// process killed by a signal.
	ExitCode() int

	Signal(sig os.Signal) error

	// Channel is the supervisor's end of the control channel, or nil
	// if the process has none.
	Channel() *ipc.Channel
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// isProcessGone reports whether a signal delivery error means the
// process is already not running, or cannot be signaled by us, which
// stop treats as the desired state.
func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, unix.ESRCH) ||
		errors.Is(err, unix.EPERM)
}
