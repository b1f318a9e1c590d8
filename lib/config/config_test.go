// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardvisor.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "bot_name: tatsu\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.BotName != "tatsu" {
		t.Errorf("BotName = %q, want tatsu", cfg.BotName)
	}
	if cfg.Supervisor.ShardsPerCluster != 2 {
		t.Errorf("ShardsPerCluster = %d, want 2", cfg.Supervisor.ShardsPerCluster)
	}
	if cfg.Supervisor.ReconcileInterval != 5*time.Second {
		t.Errorf("ReconcileInterval = %v, want 5s", cfg.Supervisor.ReconcileInterval)
	}
	if cfg.Relay.Port != 13337 {
		t.Errorf("Relay.Port = %d, want 13337", cfg.Relay.Port)
	}
	if cfg.Bus.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.Bus.RequestTimeout)
	}
	if cfg.Bus.ReconnectBackoff != 2*time.Second {
		t.Errorf("ReconnectBackoff = %v, want 2s", cfg.Bus.ReconnectBackoff)
	}
	if got := cfg.RelayURL(); got != "ws://127.0.0.1:13337/" {
		t.Errorf("RelayURL = %q", got)
	}
	signal, err := cfg.StopSignal()
	if err != nil {
		t.Fatalf("StopSignal: %v", err)
	}
	if signal != syscall.SIGTERM {
		t.Errorf("StopSignal = %v, want SIGTERM", signal)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
bot_name: tatsu
supervisor:
  shards_per_cluster: 4
  reconcile_interval: 250ms
  stop_signal: SIGINT
relay:
  host: "::1"
  port: 24000
bus:
  request_timeout: 1s
gateway:
  shard_count: 12
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Supervisor.ShardsPerCluster != 4 {
		t.Errorf("ShardsPerCluster = %d, want 4", cfg.Supervisor.ShardsPerCluster)
	}
	if cfg.Supervisor.ReconcileInterval != 250*time.Millisecond {
		t.Errorf("ReconcileInterval = %v, want 250ms", cfg.Supervisor.ReconcileInterval)
	}
	if got := cfg.RelayAddress(); got != "[::1]:24000" {
		t.Errorf("RelayAddress = %q, want [::1]:24000", got)
	}
	if cfg.Gateway.ShardCount != 12 {
		t.Errorf("Gateway.ShardCount = %d, want 12", cfg.Gateway.ShardCount)
	}
	if signal, _ := cfg.StopSignal(); signal != syscall.SIGINT {
		t.Errorf("StopSignal = %v, want SIGINT", signal)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"missing bot name", func(c *Config) { c.BotName = "" }, "bot_name"},
		{"zero partition", func(c *Config) { c.Supervisor.ShardsPerCluster = 0 }, "shards_per_cluster"},
		{"unknown signal", func(c *Config) { c.Supervisor.StopSignal = "SIGNOPE" }, "stop_signal"},
		{"remote relay", func(c *Config) { c.Relay.Host = "10.0.0.5" }, "loopback"},
		{"bad port", func(c *Config) { c.Relay.Port = 70000 }, "relay.port"},
		{"no timeout", func(c *Config) { c.Bus.RequestTimeout = 0 }, "request_timeout"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			cfg.BotName = "tatsu"
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), test.message) {
				t.Errorf("error %q does not mention %q", err, test.message)
			}
		})
	}
}

func TestValidateAllowRemote(t *testing.T) {
	cfg := Default()
	cfg.BotName = "tatsu"
	cfg.Relay.Host = "0.0.0.0"
	cfg.Relay.AllowRemote = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with allow_remote: %v", err)
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	if _, err := Load(); err == nil {
		t.Error("Load without SHARDVISOR_CONFIG should fail")
	}

	t.Setenv(EnvironmentVariable, writeConfig(t, "bot_name: tatsu\n"))
	if _, err := Load(); err != nil {
		t.Errorf("Load: %v", err)
	}
}

func TestLoadFileResolvesBotConfigDirectory(t *testing.T) {
	path := writeConfig(t, "bot_name: tatsu\nbot_config_directory: bots\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "bots")
	if cfg.BotConfigDirectory != want {
		t.Errorf("BotConfigDirectory = %q, want %q", cfg.BotConfigDirectory, want)
	}

	path = writeConfig(t, "bot_name: tatsu\nbot_config_directory: /etc/shardvisor/bots\n")
	cfg, err = LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.BotConfigDirectory != "/etc/shardvisor/bots" {
		t.Errorf("BotConfigDirectory = %q, want /etc/shardvisor/bots", cfg.BotConfigDirectory)
	}
}
