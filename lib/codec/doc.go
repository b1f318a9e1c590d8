// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the shared CBOR encoding configuration.
//
// Shardvisor uses two serialization formats with a fixed boundary:
//
//   - JSON for the control bus, because every worker and the relay
//     exchange UTF-8 text frames with a fixed JSON shape.
//   - CBOR for the supervisor↔worker control channel, which never
//     leaves the machine and is framed as a stream of self-delimiting
//     CBOR items on a socketpair.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same message always produces the same bytes.
package codec
