// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the shardvisor deployment configuration.
//
// Configuration comes from a single YAML file named by the
// SHARDVISOR_CONFIG environment variable or the --config flag of each
// binary. There is no discovery and no fallback search path: every
// value is either in that file or is the documented default from
// Default.
//
// The same file is read by all three binaries. The supervisor passes
// its own --config path to every worker it spawns, so a worker always
// sees the relay address and bus timings the supervisor was started
// with.
package config
