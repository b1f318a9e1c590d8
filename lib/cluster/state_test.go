// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"slices"
	"testing"
	"time"
)

func TestShardStateTotals(t *testing.T) {
	state := NewShardState([]int{4, 5})

	if err := state.GuildAvailable(4, 100, GuildInfo{Channels: 10, Members: 50}); err != nil {
		t.Fatalf("GuildAvailable: %v", err)
	}
	state.GuildAvailable(5, 200, GuildInfo{Channels: 3, Members: 7})
	state.GuildAvailable(5, 201, GuildInfo{Channels: 1, Members: 2})
	// An update replaces the previous counts.
	state.GuildAvailable(4, 100, GuildInfo{Channels: 12, Members: 51})

	want := Totals{Guilds: 3, Channels: 16, Members: 60}
	if got := state.Totals(); got != want {
		t.Errorf("Totals = %+v, want %+v", got, want)
	}

	state.GuildRemoved(5, 201)
	state.GuildRemoved(5, 999)
	if got := state.Totals().Guilds; got != 2 {
		t.Errorf("Guilds after removal = %d, want 2", got)
	}

	state.ShardDisconnected(4)
	if got := state.Totals(); got != (Totals{Guilds: 1, Channels: 3, Members: 7}) {
		t.Errorf("Totals after disconnect = %+v", got)
	}
}

func TestShardStateRejectsForeignShard(t *testing.T) {
	state := NewShardState([]int{0, 1})
	if err := state.GuildAvailable(2, 1, GuildInfo{}); err == nil {
		t.Error("GuildAvailable accepted a shard this cluster does not own")
	}
	if err := state.SetLatency(7, time.Millisecond); err == nil {
		t.Error("SetLatency accepted a shard this cluster does not own")
	}
}

func TestShardStateLatency(t *testing.T) {
	state := NewShardState([]int{0, 1, 2})
	if got := state.Latency(); got != 0 {
		t.Errorf("Latency with no reports = %v, want 0", got)
	}
	state.SetLatency(0, 40*time.Millisecond)
	state.SetLatency(2, 60*time.Millisecond)
	if got := state.Latency(); got != 50*time.Millisecond {
		t.Errorf("Latency = %v, want 50ms", got)
	}
}

func TestShardStateIDsSorted(t *testing.T) {
	state := NewShardState([]int{9, 8})
	if got := state.ShardIDs(); !slices.Equal(got, []int{8, 9}) {
		t.Errorf("ShardIDs = %v, want [8 9]", got)
	}
}
