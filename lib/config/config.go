// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable consulted by Load.
const EnvironmentVariable = "SHARDVISOR_CONFIG"

// Config is the deployment configuration shared by the supervisor,
// the relay and every worker.
type Config struct {
	// BotName selects the bot configuration file
	// <BotConfigDirectory>/<BotName>.jsonc and forms the first half
	// of each worker's bus identity ("<BotName>#<cluster id>").
	BotName string `yaml:"bot_name"`

	// BotConfigDirectory holds per-bot configuration files.
	BotConfigDirectory string `yaml:"bot_config_directory"`

	Supervisor SupervisorConfig `yaml:"supervisor"`
	Relay      RelayConfig      `yaml:"relay"`
	Bus        BusConfig        `yaml:"bus"`
	Gateway    GatewayConfig    `yaml:"gateway"`
}

// SupervisorConfig configures process supervision.
type SupervisorConfig struct {
	// ShardsPerCluster is the partition size. Every worker owns this
	// many contiguous shards except possibly the last.
	ShardsPerCluster int `yaml:"shards_per_cluster"`

	// ReconcileInterval is the period of the health sweep that
	// restarts crashed workers.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// StopSignal is the signal name sent to workers on shutdown
	// (e.g. "SIGTERM").
	StopSignal string `yaml:"stop_signal"`

	// WorkerBinary is the path of the worker executable. Empty means
	// "shardvisor-worker next to the supervisor binary, then PATH".
	WorkerBinary string `yaml:"worker_binary"`

	// MetricsAddress, when non-empty, serves /metrics for the
	// supervisor on this address.
	MetricsAddress string `yaml:"metrics_address"`
}

// RelayConfig configures the bus relay listener. Workers dial the same
// host and port.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowRemote permits a non-loopback Host. The relay performs no
	// authentication, so this is off by default.
	AllowRemote bool `yaml:"allow_remote"`

	// HandshakeTimeout bounds how long the relay waits for a new
	// connection's identity frame, and how long a worker waits for
	// the acknowledgement.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// BusConfig configures worker-side bus behavior.
type BusConfig struct {
	// RequestTimeout is how long a broadcast request waits for
	// quorum before returning the responses it has.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ReconnectBackoff is the fixed delay between relay connection
	// attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// GatewayConfig configures shard-count discovery.
type GatewayConfig struct {
	// URL is the base URL of the chat service REST API.
	URL string `yaml:"url"`

	// ShardCount, when positive, skips discovery and uses this total.
	// Intended for development deployments without a bot token.
	ShardCount int `yaml:"shard_count"`
}

// Default returns the configuration used for any value the file does
// not set.
func Default() *Config {
	return &Config{
		BotConfigDirectory: "config",
		Supervisor: SupervisorConfig{
			ShardsPerCluster:  2,
			ReconcileInterval: 5 * time.Second,
			StopSignal:        "SIGTERM",
		},
		Relay: RelayConfig{
			Host:             "127.0.0.1",
			Port:             13337,
			HandshakeTimeout: 10 * time.Second,
		},
		Bus: BusConfig{
			RequestTimeout:   5 * time.Second,
			ReconnectBackoff: 2 * time.Second,
		},
		Gateway: GatewayConfig{
			URL: "https://discord.com/api/v10",
		},
	}
}

// Load reads the file named by SHARDVISOR_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your shardvisor.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads and validates the YAML file at path on top of
// Default. A relative bot_config_directory is resolved against the
// directory holding the file, so the supervisor and its workers agree
// on it whatever their working directories.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.BotConfigDirectory != "" && !filepath.IsAbs(cfg.BotConfigDirectory) {
		cfg.BotConfigDirectory = filepath.Join(filepath.Dir(path), cfg.BotConfigDirectory)
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can run
// with.
func (c *Config) Validate() error {
	var problems []error

	if c.BotName == "" {
		problems = append(problems, errors.New("bot_name is required"))
	}
	if c.Supervisor.ShardsPerCluster < 1 {
		problems = append(problems, fmt.Errorf("supervisor.shards_per_cluster must be >= 1, got %d", c.Supervisor.ShardsPerCluster))
	}
	if c.Supervisor.ReconcileInterval <= 0 {
		problems = append(problems, errors.New("supervisor.reconcile_interval must be positive"))
	}
	if _, err := c.StopSignal(); err != nil {
		problems = append(problems, err)
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		problems = append(problems, fmt.Errorf("relay.port %d out of range", c.Relay.Port))
	}
	if c.Relay.HandshakeTimeout <= 0 {
		problems = append(problems, errors.New("relay.handshake_timeout must be positive"))
	}
	if !c.Relay.AllowRemote && !IsLoopbackHost(c.Relay.Host) {
		problems = append(problems, fmt.Errorf("relay.host %q is not a loopback address (set relay.allow_remote to bind it anyway)", c.Relay.Host))
	}
	if c.Bus.RequestTimeout <= 0 {
		problems = append(problems, errors.New("bus.request_timeout must be positive"))
	}
	if c.Bus.ReconnectBackoff <= 0 {
		problems = append(problems, errors.New("bus.reconnect_backoff must be positive"))
	}
	if c.Gateway.URL == "" && c.Gateway.ShardCount <= 0 {
		problems = append(problems, errors.New("gateway.url is required unless gateway.shard_count is set"))
	}

	return errors.Join(problems...)
}

// StopSignal parses Supervisor.StopSignal.
func (c *Config) StopSignal() (syscall.Signal, error) {
	signal := unix.SignalNum(c.Supervisor.StopSignal)
	if signal == 0 {
		return 0, fmt.Errorf("supervisor.stop_signal %q is not a known signal name", c.Supervisor.StopSignal)
	}
	return signal, nil
}

// RelayAddress returns the relay's host:port.
func (c *Config) RelayAddress() string {
	return net.JoinHostPort(c.Relay.Host, strconv.Itoa(c.Relay.Port))
}

// RelayURL returns the websocket URL workers dial.
func (c *Config) RelayURL() string {
	return "ws://" + c.RelayAddress() + "/"
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP
// literal.
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
