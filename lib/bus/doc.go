// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the worker side of the inter-cluster control bus.
//
// Every worker holds one [Connection] to the relay. The relay
// rebroadcasts each frame to every other connected worker, so a
// command sent by one worker reaches all of its peers, and each peer's
// response reaches every other peer. Responses are matched to the
// request that caused them by correlation key; a [Correlator] tracks
// the keys this process is waiting on and drops everything else.
//
// Frames are JSON text messages:
//
//	{"author": 2, "type": "command", "key": "…", "data": {"endpoint": "get_guild_count"}}
//	{"author": 2, "type": "response", "key": "…", "data": {"return_value": 7}}
//
// Command arguments sit next to "endpoint" inside data. A frame whose
// type is neither "command" nor "response" decodes to an
// [UnknownKindError]; the connection treats that as a protocol
// mismatch and reconnects.
package bus
