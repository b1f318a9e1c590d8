// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shard splits the gateway shard space into clusters.
//
// The chat service dictates the total shard count. Shardvisor runs one
// worker process per cluster, and each cluster owns a contiguous run of
// shard ids. The partition is computed once when the supervisor starts
// and never recomputed: a restarted worker gets back exactly the shard
// ids it had.
package shard

import (
	"fmt"
	"strconv"
	"strings"
)

// Partition splits shard ids [0, totalShards) into contiguous chunks of
// perCluster ids. The final chunk holds the remainder and may be
// smaller. The result has ceil(totalShards/perCluster) entries and is
// empty when totalShards is zero.
func Partition(totalShards, perCluster int) ([][]int, error) {
	if totalShards < 0 {
		return nil, fmt.Errorf("total shard count must be non-negative, got %d", totalShards)
	}
	if perCluster < 1 {
		return nil, fmt.Errorf("shards per cluster must be at least 1, got %d", perCluster)
	}

	clusters := make([][]int, 0, (totalShards+perCluster-1)/perCluster)
	for start := 0; start < totalShards; start += perCluster {
		end := min(start+perCluster, totalShards)
		ids := make([]int, 0, end-start)
		for id := start; id < end; id++ {
			ids = append(ids, id)
		}
		clusters = append(clusters, ids)
	}
	return clusters, nil
}

// FormatIDs renders shard ids as the comma-separated list passed on a
// worker's command line.
func FormatIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseIDs parses the output of FormatIDs. An empty string yields no
// ids.
func ParseIDs(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid shard id %q: %w", part, err)
		}
		if id < 0 {
			return nil, fmt.Errorf("shard id %d is negative", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
