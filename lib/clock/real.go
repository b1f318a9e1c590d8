// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns the wall clock. The supervisor, bus connection and
// cluster endpoints fall back to it when their config leaves Clock nil.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// After backs request deadlines and reconnect backoff. The timer is
// not stopped early; both callers wait at most a few seconds.
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTicker drives the supervisor's reconcile loop.
func (wallClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
