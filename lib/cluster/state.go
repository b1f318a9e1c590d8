// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// GuildInfo is what a worker tracks about one guild.
type GuildInfo struct {
	Channels int
	Members  int
}

// Totals aggregates guild information across a worker's shards.
type Totals struct {
	Guilds   int
	Channels int
	Members  int
}

type shardLedger struct {
	guilds  map[uint64]GuildInfo
	latency time.Duration
}

// ShardState is the in-memory ledger of the shards a worker owns. It
// is safe for concurrent use.
type ShardState struct {
	mu     sync.RWMutex
	shards map[int]*shardLedger
}

// NewShardState returns an empty ledger for shardIDs.
func NewShardState(shardIDs []int) *ShardState {
	shards := make(map[int]*shardLedger, len(shardIDs))
	for _, id := range shardIDs {
		shards[id] = &shardLedger{guilds: make(map[uint64]GuildInfo)}
	}
	return &ShardState{shards: shards}
}

func (s *ShardState) ledger(shardID int) (*shardLedger, error) {
	ledger, ok := s.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("shard %d is not owned by this cluster", shardID)
	}
	return ledger, nil
}

// GuildAvailable records or updates a guild on shardID.
func (s *ShardState) GuildAvailable(shardID int, guildID uint64, info GuildInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger, err := s.ledger(shardID)
	if err != nil {
		return err
	}
	ledger.guilds[guildID] = info
	return nil
}

// GuildRemoved forgets a guild. Unknown guilds are ignored.
func (s *ShardState) GuildRemoved(shardID int, guildID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ledger, ok := s.shards[shardID]; ok {
		delete(ledger.guilds, guildID)
	}
}

// ShardDisconnected drops every guild on shardID; the gateway replays
// them when the shard resumes.
func (s *ShardState) ShardDisconnected(shardID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ledger, ok := s.shards[shardID]; ok {
		clear(ledger.guilds)
		ledger.latency = 0
	}
}

// SetLatency records the most recent heartbeat round trip on shardID.
func (s *ShardState) SetLatency(shardID int, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger, err := s.ledger(shardID)
	if err != nil {
		return err
	}
	ledger.latency = latency
	return nil
}

// Totals sums guild, channel, and member counts over every shard.
func (s *ShardState) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var totals Totals
	for _, ledger := range s.shards {
		totals.Guilds += len(ledger.guilds)
		for _, info := range ledger.guilds {
			totals.Channels += info.Channels
			totals.Members += info.Members
		}
	}
	return totals
}

// Latency is the mean heartbeat latency over shards that have
// reported one, or zero if none have.
func (s *ShardState) Latency() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum time.Duration
	var reporting int
	for _, ledger := range s.shards {
		if ledger.latency > 0 {
			sum += ledger.latency
			reporting++
		}
	}
	if reporting == 0 {
		return 0
	}
	return sum / time.Duration(reporting)
}

// ShardIDs returns the owned shard ids in ascending order.
func (s *ShardState) ShardIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
