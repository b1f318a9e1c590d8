// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cluster implements the bus command endpoints every worker
// serves, and the per-worker state they report on.
//
// The gateway library that owns the actual shard connections is an
// external collaborator. It feeds guild availability and heartbeat
// latency into a [ShardState]; the endpoints only read from it.
// Application lookups (votes, users, patrons) go through a
// [Directory].
package cluster
