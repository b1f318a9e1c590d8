// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "slices"

// WorkerHandle is the supervisor's record of one cluster. The id and
// shard ids are fixed at partition time; a restart replaces only the
// process. All fields are guarded by the owning Supervisor.
type WorkerHandle struct {
	ID            int
	ShardIDs      []int
	TotalShards   int
	TotalClusters int

	process     Process
	dontRestart bool
	ready       bool
	restarts    int
}

// WorkerStatus is a point-in-time copy of a WorkerHandle.
type WorkerStatus struct {
	ID       int
	ShardIDs []int
	PID      int
	Alive    bool
	Ready    bool

	// ExitCode is meaningful only when Alive is false.
	ExitCode    int
	DontRestart bool
	Restarts    int
}

// processAlive and processExitCode call into the Process
// implementation and must run without the supervisor's mu held, so a
// panicking implementation cannot leave it locked.
func processAlive(proc Process) bool {
	return proc != nil && proc.Alive()
}

func processExitCode(proc Process) int {
	if proc == nil {
		return -1
	}
	return proc.ExitCode()
}

func (h *WorkerHandle) spec(botName string) SpawnSpec {
	return SpawnSpec{
		ClusterID:     h.ID,
		ShardIDs:      slices.Clone(h.ShardIDs),
		ShardCount:    h.TotalShards,
		TotalClusters: h.TotalClusters,
		BotName:       botName,
	}
}

// status copies the handle's own fields. Caller holds mu; the process
// fields are filled in by fillProcess after it is released.
func (h *WorkerHandle) status() (WorkerStatus, Process) {
	return WorkerStatus{
		ID:          h.ID,
		ShardIDs:    slices.Clone(h.ShardIDs),
		Ready:       h.ready,
		DontRestart: h.dontRestart,
		Restarts:    h.restarts,
	}, h.process
}

func (status *WorkerStatus) fillProcess(proc Process) {
	status.Alive = processAlive(proc)
	if proc != nil {
		status.PID = proc.PID()
	}
	if !status.Alive {
		status.ExitCode = processExitCode(proc)
	}
}
