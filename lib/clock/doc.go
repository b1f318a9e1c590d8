// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components with timing behavior (the supervisor's reconcile ticker,
// the bus reconnect backoff, the correlator's quorum deadline) hold a
// Clock instead of calling the time package directly. Production code
// passes Real(); tests pass Fake() and drive time with Advance.
//
// A goroutine that calls After or NewTicker on a FakeClock registers a
// pending waiter. Tests call WaitForTimers before Advance so the
// advance cannot race ahead of the registration:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go supervisor.Run(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
package clock
