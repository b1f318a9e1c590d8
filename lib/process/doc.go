// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers shared by the shardvisor
// binaries: logger construction, fatal error exit, and the worker exit
// code contract that the supervisor's restart policy is built on.
//
// The contract is binary. A worker that exits with ExitRetire asked to
// be stopped and is never restarted. Any other exit status, including
// death by signal, is a crash and the worker is restarted with the
// same cluster id and shard range.
package process
