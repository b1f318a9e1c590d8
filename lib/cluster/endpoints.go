// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/shardvisor/lib/botconfig"
	"github.com/bureau-foundation/shardvisor/lib/bus"
	"github.com/bureau-foundation/shardvisor/lib/clock"
)

// Endpoint names served by every worker.
const (
	EndpointGuildCount      = "get_guild_count"
	EndpointClusterStats    = "get_cluster_stats"
	EndpointReload          = "reload"
	EndpointShutdown        = "shutdown"
	EndpointUserHasVoted    = "user_has_voted"
	EndpointGetUser         = "get_user"
	EndpointGetPatron       = "get_patron"
	EndpointConvertCurrency = "convert_currency"
)

// User is the public profile returned by get_user.
type User struct {
	ID         uint64 `json:"id,string"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Bot        bool   `json:"bot"`
}

// Patron is a supporter record returned by get_patron.
type Patron struct {
	UserID uint64    `json:"user_id,string"`
	Tier   string    `json:"tier"`
	Since  time.Time `json:"since"`
}

// Directory answers application lookups. Implementations return a nil
// record, not an error, for an unknown user.
type Directory interface {
	UserHasVoted(ctx context.Context, userID uint64) (bool, error)
	User(ctx context.Context, userID uint64) (*User, error)
	Patron(ctx context.Context, userID uint64) (*Patron, error)
}

// Stats is the get_cluster_stats result.
type Stats struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ClusterID      int     `json:"cluster_id"`
	ShardIDs       []int   `json:"shard_ids"`
	LatencyMS      float64 `json:"latency_ms"`
	Guilds         int     `json:"guilds"`
	Channels       int     `json:"channels"`
	Members        int     `json:"members"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	CPUPercent     float64 `json:"cpu_percent"`
	Threads        int     `json:"threads"`
	Goroutines     int     `json:"goroutines"`
}

// Config configures Endpoints.
type Config struct {
	ClusterID int
	State     *ShardState

	// BotConfig, if set, is registered as the reloadable unit
	// "config" and supplies currency rates.
	BotConfig *botconfig.Holder

	// Directory serves user lookups. Nil answers every lookup with
	// null.
	Directory Directory

	Clock  clock.Clock
	Logger *slog.Logger
}

// Endpoints holds the state behind a worker's bus handlers.
type Endpoints struct {
	clusterID int
	state     *ShardState
	botConfig *botconfig.Holder
	directory Directory
	clock     clock.Clock
	logger    *slog.Logger
	started   time.Time

	reloadMu  sync.Mutex
	reloaders map[string]func() error

	sampleMu     sync.Mutex
	lastSample   processSample
	lastSampleAt time.Time

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New returns Endpoints for one worker.
func New(config Config) *Endpoints {
	if config.State == nil {
		config.State = NewShardState(nil)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	e := &Endpoints{
		clusterID: config.ClusterID,
		state:     config.State,
		botConfig: config.BotConfig,
		directory: config.Directory,
		clock:     config.Clock,
		logger:    config.Logger,
		started:   config.Clock.Now(),
		reloaders: make(map[string]func() error),
		shutdown:  make(chan struct{}),
	}
	if config.BotConfig != nil {
		e.reloaders["config"] = config.BotConfig.Reload
	}
	return e
}

// Register installs every endpoint on router.
func (e *Endpoints) Register(router *bus.Router) {
	router.Handle(EndpointGuildCount, e.guildCount)
	router.Handle(EndpointClusterStats, e.clusterStats)
	router.Handle(EndpointReload, e.reload)
	router.Handle(EndpointShutdown, e.shutdownCluster)
	router.Handle(EndpointUserHasVoted, e.userHasVoted)
	router.Handle(EndpointGetUser, e.getUser)
	router.Handle(EndpointGetPatron, e.getPatron)
	router.Handle(EndpointConvertCurrency, e.convertCurrency)
}

// AddReloader registers a named unit for the reload endpoint.
func (e *Endpoints) AddReloader(name string, reload func() error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	e.reloaders[name] = reload
}

// ShutdownRequested is closed once a shutdown command addressed to
// this worker has been accepted. The owner of the process is expected
// to finish sending in-flight responses and exit with code 0.
func (e *Endpoints) ShutdownRequested() <-chan struct{} {
	return e.shutdown
}

func (e *Endpoints) guildCount(context.Context, bus.Args) (any, error) {
	return e.state.Totals().Guilds, nil
}

func (e *Endpoints) clusterStats(context.Context, bus.Args) (any, error) {
	return e.Stats(), nil
}

// Stats gathers the current cluster statistics. CPU usage is averaged
// since the previous call.
func (e *Endpoints) Stats() Stats {
	now := e.clock.Now()
	sample := readProcessSample()

	e.sampleMu.Lock()
	cpu := cpuPercent(e.lastSample, sample, now.Sub(e.lastSampleAt))
	e.lastSample, e.lastSampleAt = sample, now
	e.sampleMu.Unlock()

	totals := e.state.Totals()
	return Stats{
		UptimeSeconds:  now.Sub(e.started).Seconds(),
		ClusterID:      e.clusterID,
		ShardIDs:       e.state.ShardIDs(),
		LatencyMS:      float64(e.state.Latency()) / float64(time.Millisecond),
		Guilds:         totals.Guilds,
		Channels:       totals.Channels,
		Members:        totals.Members,
		MemoryRSSBytes: sample.rssBytes,
		CPUPercent:     cpu,
		Threads:        sample.threads,
		Goroutines:     runtime.NumGoroutine(),
	}
}

// reload re-runs the named unit, or every unit when no target is
// given, and returns how many reloaded successfully.
func (e *Endpoints) reload(_ context.Context, args bus.Args) (any, error) {
	var target string
	if _, err := args.Decode("target", &target); err != nil {
		return nil, err
	}

	e.reloadMu.Lock()
	names := make([]string, 0, len(e.reloaders))
	for name := range e.reloaders {
		if target == "" || name == target {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	units := make([]func() error, len(names))
	for i, name := range names {
		units[i] = e.reloaders[name]
	}
	e.reloadMu.Unlock()

	reloaded := 0
	for i, unit := range units {
		if err := unit(); err != nil {
			e.logger.Error("reload failed", "unit", names[i], "error", err)
			continue
		}
		e.logger.Info("reloaded", "unit", names[i])
		reloaded++
	}
	return reloaded, nil
}

func (e *Endpoints) shutdownCluster(_ context.Context, args bus.Args) (any, error) {
	var target int
	found, err := args.Decode("cluster_id", &target)
	if err != nil {
		return nil, err
	}
	if found && target != e.clusterID {
		return false, nil
	}
	e.shutdownOnce.Do(func() {
		e.logger.Info("shutdown requested over bus")
		close(e.shutdown)
	})
	return true, nil
}

func (e *Endpoints) userHasVoted(ctx context.Context, args bus.Args) (any, error) {
	userID, err := snowflakeArg(args, "user_id")
	if err != nil {
		return nil, err
	}
	if e.directory == nil {
		return false, nil
	}
	return e.directory.UserHasVoted(ctx, userID)
}

func (e *Endpoints) getUser(ctx context.Context, args bus.Args) (any, error) {
	userID, err := snowflakeArg(args, "user_id")
	if err != nil {
		return nil, err
	}
	if e.directory == nil {
		return nil, nil
	}
	return e.directory.User(ctx, userID)
}

func (e *Endpoints) getPatron(ctx context.Context, args bus.Args) (any, error) {
	userID, err := snowflakeArg(args, "user_id")
	if err != nil {
		return nil, err
	}
	if e.directory == nil {
		return nil, nil
	}
	return e.directory.Patron(ctx, userID)
}

// convertCurrency converts amount between two codes from the bot
// config's currency_rates, each rate being the value of one unit in
// the base currency.
func (e *Endpoints) convertCurrency(_ context.Context, args bus.Args) (any, error) {
	var amount float64
	var from, to string
	if found, err := args.Decode("amount", &amount); err != nil || !found {
		return nil, errors.Join(errors.New("amount is required"), err)
	}
	if _, err := args.Decode("from", &from); err != nil {
		return nil, err
	}
	if _, err := args.Decode("to", &to); err != nil {
		return nil, err
	}
	if e.botConfig == nil {
		return nil, errors.New("no currency rates configured")
	}
	rates := e.botConfig.Current().CurrencyRates
	fromRate, ok := rates[strings.ToUpper(from)]
	if !ok || fromRate <= 0 {
		return nil, fmt.Errorf("unknown currency %q", from)
	}
	toRate, ok := rates[strings.ToUpper(to)]
	if !ok || toRate <= 0 {
		return nil, fmt.Errorf("unknown currency %q", to)
	}
	return amount * fromRate / toRate, nil
}

// snowflakeArg reads a chat-service id, which clients send either as a
// JSON string or as a bare number.
func snowflakeArg(args bus.Args, name string) (uint64, error) {
	raw, ok := args[name]
	if !ok || string(raw) == "null" {
		return 0, fmt.Errorf("%s is required", name)
	}
	text := string(raw)
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
	}
	id, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return id, nil
}
