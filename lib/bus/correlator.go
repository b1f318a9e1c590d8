// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/shardvisor/lib/clock"
)

// Response is one worker's answer to a request.
type Response struct {
	Author int
	Value  json.RawMessage
}

// DecodeValues unmarshals each response value into T, preserving
// order.
func DecodeValues[T any](responses []Response) ([]T, error) {
	values := make([]T, len(responses))
	for i, response := range responses {
		if err := json.Unmarshal(response.Value, &values[i]); err != nil {
			return nil, fmt.Errorf("response from cluster %d: %w", response.Author, err)
		}
	}
	return values, nil
}

// Correlator tracks in-flight requests by key and routes responses to
// them. It is safe for concurrent use by any number of requesters and
// the connection's read loop.
type Correlator struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewCorrelator returns an empty correlator. Deadlines are measured on
// clk.
func NewCorrelator(clk clock.Clock) *Correlator {
	return &Correlator{clock: clk, pending: make(map[string]*Pending)}
}

// Pending is one registered request. Exactly one goroutine calls Wait
// or Cancel on it.
type Pending struct {
	correlator *Correlator
	key        string
	expected   int

	// Guarded by correlator.mu.
	responses map[int]json.RawMessage
	done      chan struct{}
	complete  bool
}

// Key returns the correlation key to put on the outgoing command.
func (p *Pending) Key() string { return p.key }

// Expected returns the quorum size.
func (p *Pending) Expected() int { return p.expected }

// Register creates a tracked request that resolves once responses
// from expected distinct authors arrive. The key is registered before
// Register returns, so a response can never arrive ahead of it.
func (c *Correlator) Register(expected int) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := newKey()
	for c.pending[key] != nil {
		key = newKey()
	}
	pending := &Pending{
		correlator: c,
		key:        key,
		expected:   expected,
		responses:  make(map[int]json.RawMessage),
		done:       make(chan struct{}),
	}
	if expected <= 0 {
		pending.complete = true
		close(pending.done)
	}
	c.pending[key] = pending
	return pending
}

func newKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Deliver hands a response to the request waiting on its key. It
// reports whether the key was tracked; responses for unknown or
// expired keys are dropped. Only the first response from each author
// counts toward quorum.
func (c *Correlator) Deliver(message Message) bool {
	if message.Kind != KindResponse {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.pending[message.Key]
	if pending == nil {
		return false
	}
	if pending.complete {
		return true
	}
	if _, seen := pending.responses[message.Author]; !seen {
		pending.responses[message.Author] = message.Value
	}
	if len(pending.responses) >= pending.expected {
		pending.complete = true
		close(pending.done)
	}
	return true
}

// InFlight returns the number of tracked requests.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until quorum, timeout, or ctx cancellation, then
// deregisters the key and returns the responses collected so far
// sorted by author. Reaching the timeout is not an error: the partial
// set is returned with a nil error. Cancellation returns the partial
// set together with ctx.Err().
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) ([]Response, error) {
	defer p.Cancel()

	var err error
	select {
	case <-p.done:
	case <-p.correlator.clock.After(timeout):
	case <-ctx.Done():
		err = ctx.Err()
	}
	return p.collected(), err
}

// Cancel deregisters the key without waiting. Later responses for it
// are dropped.
func (p *Pending) Cancel() {
	c := p.correlator
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.key] == p {
		delete(c.pending, p.key)
	}
}

func (p *Pending) collected() []Response {
	c := p.correlator
	c.mu.Lock()
	defer c.mu.Unlock()

	responses := make([]Response, 0, len(p.responses))
	for author, value := range p.responses {
		responses = append(responses, Response{Author: author, Value: value})
	}
	slices.SortFunc(responses, func(a, b Response) int { return a.Author - b.Author })
	return responses
}
