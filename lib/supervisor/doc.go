// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs one worker process per shard cluster and
// keeps them running.
//
// A [Supervisor] asks the gateway for the total shard count, partitions
// the shards into clusters once, spawns a worker for each, and then
// reconciles on a fixed interval. The restart policy is the exit code
// contract in lib/process: a worker that exits 0 is retired and never
// restarted, any other exit (including death by signal) is restarted
// with the same cluster id and shard ids. When every worker is retired
// the supervisor shuts itself down.
//
// Process creation is behind [Spawner] so the policy can be tested
// without forking. [ExecSpawner] is the production implementation.
package supervisor
