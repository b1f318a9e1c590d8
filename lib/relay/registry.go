// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the bus relay: a websocket server that
// accepts one connection per worker identity and rebroadcasts every
// frame it receives to all other registered connections.
//
// The relay does not parse bus frames. Frames are forwarded verbatim,
// so the relay and the workers only have to agree on the handshake.
package relay

import (
	"sort"
	"sync"
)

// Peer is a registered connection as seen by the Registry.
type Peer interface {
	// Deliver queues payload for the peer without blocking. It
	// returns false if the payload was dropped.
	Deliver(payload []byte) bool
}

// Registry maps identity strings to their current connection. At most
// one peer holds an identity at a time.
type Registry struct {
	mu    sync.Mutex
	peers map[string]Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Register makes peer the holder of identity and returns the peer it
// displaced, if any. The caller is responsible for closing the
// displaced peer.
func (r *Registry) Register(identity string, peer Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.peers[identity]
	r.peers[identity] = peer
	if previous == peer {
		return nil
	}
	return previous
}

// Deregister removes identity if peer still holds it. A connection
// that was superseded must not evict its replacement on the way out,
// so a stale peer is ignored and Deregister returns false.
func (r *Registry) Deregister(identity string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[identity] != peer {
		return false
	}
	delete(r.peers, identity)
	return true
}

// Broadcast delivers payload to every peer except the one registered
// as sender. Delivery is non-blocking per peer. It returns the number
// of peers that accepted the payload and the number that dropped it.
func (r *Registry) Broadcast(sender string, payload []byte) (delivered, dropped int) {
	r.mu.Lock()
	targets := make([]Peer, 0, len(r.peers))
	for identity, peer := range r.peers {
		if identity != sender {
			targets = append(targets, peer)
		}
	}
	r.mu.Unlock()

	for _, peer := range targets {
		if peer.Deliver(payload) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// Lookup returns the peer holding identity.
func (r *Registry) Lookup(identity string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[identity]
	return peer, ok
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	identities := make([]string, 0, len(r.peers))
	for identity := range r.peers {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
