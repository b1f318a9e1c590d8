// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Shardvisor-worker runs one cluster of gateway shards. The supervisor
// starts it with the cluster's shard ids on the command line and a
// control channel on fd 3. The worker joins the bus relay under
// "<bot>#<cluster id>", serves the cluster endpoints, and reports ready
// to the supervisor once the relay has acknowledged it.
//
// Exit status is the supervisor's restart contract: 0 retires the
// cluster, anything else gets it restarted. The worker exits 0 only when
// the supervisor asks it to (a terminate frame or a closed control
// channel) or after a bus shutdown command. SIGINT and SIGTERM exit
// with 128 plus the signal number.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/shardvisor/lib/botconfig"
	"github.com/bureau-foundation/shardvisor/lib/bus"
	"github.com/bureau-foundation/shardvisor/lib/clock"
	"github.com/bureau-foundation/shardvisor/lib/cluster"
	"github.com/bureau-foundation/shardvisor/lib/config"
	"github.com/bureau-foundation/shardvisor/lib/ipc"
	"github.com/bureau-foundation/shardvisor/lib/netutil"
	"github.com/bureau-foundation/shardvisor/lib/process"
	"github.com/bureau-foundation/shardvisor/lib/shard"
	"github.com/bureau-foundation/shardvisor/lib/version"
)

// shutdownGrace is how long a worker that accepted a shutdown command
// keeps running so the response reaches the requester.
const shutdownGrace = 2 * time.Second

func main() {
	err := run()
	var exit *exitStatus
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	if err != nil {
		process.Fatal(err)
	}
}

// exitStatus ends the worker with a specific status.
type exitStatus struct {
	code   int
	reason string
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("exit %d: %s", e.code, e.reason)
}

func (e *exitStatus) ExitCode() int { return e.code }

type workerFlags struct {
	ClusterID     int
	ShardIDs      string
	ShardCount    int
	TotalClusters int
	BotName       string
	ConfigPath    string
	Debug         bool
	ShowVersion   bool
}

func parseFlags(args []string) (*workerFlags, error) {
	var flags workerFlags
	flagSet := pflag.NewFlagSet("shardvisor-worker", pflag.ContinueOnError)
	flagSet.IntVar(&flags.ClusterID, "cluster-id", -1, "cluster id assigned by the supervisor (required)")
	flagSet.StringVar(&flags.ShardIDs, "shard-ids", "", "comma-separated shard ids owned by this cluster (required)")
	flagSet.IntVar(&flags.ShardCount, "shard-count", 0, "total gateway shard count (required)")
	flagSet.IntVar(&flags.TotalClusters, "total-clusters", 0, "number of clusters, the bus request quorum (required)")
	flagSet.StringVar(&flags.BotName, "bot-name", "", "bot name (default: bot_name from the config file)")
	flagSet.StringVar(&flags.ConfigPath, "config", "", "path to shardvisor.yaml (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&flags.ShowVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flags.ShowVersion {
		return &flags, nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	var problems []error
	if flags.ClusterID < 0 {
		problems = append(problems, errors.New("--cluster-id is required"))
	}
	if flags.ShardCount <= 0 {
		problems = append(problems, errors.New("--shard-count must be positive"))
	}
	if flags.TotalClusters <= 0 {
		problems = append(problems, errors.New("--total-clusters must be positive"))
	}
	if flags.ClusterID >= 0 && flags.TotalClusters > 0 && flags.ClusterID >= flags.TotalClusters {
		problems = append(problems, fmt.Errorf("--cluster-id %d out of range for %d clusters", flags.ClusterID, flags.TotalClusters))
	}
	return &flags, errors.Join(problems...)
}

func run() error {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.ShowVersion {
		fmt.Println(version.Banner("shardvisor-worker"))
		return nil
	}

	shardIDs, err := shard.ParseIDs(flags.ShardIDs)
	if err != nil {
		return fmt.Errorf("--shard-ids: %w", err)
	}
	for _, id := range shardIDs {
		if id >= flags.ShardCount {
			return fmt.Errorf("shard id %d out of range for %d shards", id, flags.ShardCount)
		}
	}

	cfg, err := loadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	botName := flags.BotName
	if botName == "" {
		botName = cfg.BotName
	}

	level := slog.LevelInfo
	if flags.Debug {
		level = slog.LevelDebug
	}
	logger := process.NewLogger("shardvisor-worker", level).With("cluster_id", flags.ClusterID)

	// Without a control channel the worker still runs, which is how it
	// is started by hand for debugging.
	control, err := ipc.OpenChild()
	if err != nil {
		logger.Warn("no supervisor control channel", "error", err)
	}

	bot, err := botconfig.NewHolder(botconfig.Path(cfg.BotConfigDirectory, botName))
	if err != nil {
		return fmt.Errorf("loading bot config: %w", err)
	}

	state := cluster.NewShardState(shardIDs)
	endpoints := cluster.New(cluster.Config{
		ClusterID: flags.ClusterID,
		State:     state,
		BotConfig: bot,
		Logger:    logger,
	})
	router := bus.NewRouter()
	endpoints.Register(router)

	connection, err := bus.NewConnection(bus.ConnectionConfig{
		URL:              cfg.RelayURL(),
		BotName:          botName,
		ClusterID:        flags.ClusterID,
		TotalClusters:    flags.TotalClusters,
		Router:           router,
		RequestTimeout:   cfg.Bus.RequestTimeout,
		ReconnectBackoff: cfg.Bus.ReconnectBackoff,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		OnConnected: func() {
			if control == nil {
				return
			}
			err := control.Send(ipc.Message{
				Type:      ipc.MessageReady,
				ClusterID: flags.ClusterID,
				PID:       os.Getpid(),
			})
			if err != nil {
				logger.Warn("reporting ready to supervisor", "error", err)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	logger.Info("worker starting",
		"bot", botName,
		"shard_ids", shard.FormatIDs(shardIDs),
		"shard_count", flags.ShardCount,
		"total_clusters", flags.TotalClusters,
		"relay", cfg.RelayURL(),
		"endpoints", router.Endpoints(),
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	group, groupCtx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return awaitSignal(groupCtx, signals)
	})

	group.Go(func() error {
		if err := connection.Run(groupCtx); err != nil {
			return err
		}
		if groupCtx.Err() != nil {
			return nil
		}
		// Run only returns early on a terminal close from the relay,
		// which means another process holds this identity.
		return &exitStatus{code: process.ExitRetire, reason: "bus connection closed by relay"}
	})

	if control != nil {
		group.Go(func() error {
			return watchControl(groupCtx, control, logger)
		})
	}

	group.Go(func() error {
		return awaitShutdown(groupCtx, endpoints.ShutdownRequested(), clock.Real(), shutdownGrace)
	})

	err = group.Wait()
	var exit *exitStatus
	if errors.As(err, &exit) {
		logger.Info("worker exiting", "exit_code", exit.code, "reason", exit.reason)
	}
	return err
}

// awaitSignal turns SIGINT or SIGTERM into a non-zero exit. The
// supervisor retires a worker through the control channel or the bus
// shutdown command; a bare signal came from somewhere else and the
// cluster must be restarted.
func awaitSignal(ctx context.Context, signals <-chan os.Signal) error {
	select {
	case <-ctx.Done():
		return nil
	case received := <-signals:
		code := process.ExitCrash
		if sig, ok := received.(syscall.Signal); ok {
			code = process.SignalExitCode(sig)
		}
		return &exitStatus{code: code, reason: "received " + received.String()}
	}
}

// watchControl reads supervisor frames until a terminate request or
// until the supervisor goes away. A closed channel is treated as the
// supervisor's exit and retires the worker.
func watchControl(ctx context.Context, control *ipc.Channel, logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { control.Close() })
	defer stop()

	for {
		message, err := control.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if netutil.IsExpectedCloseError(err) {
				return &exitStatus{code: process.ExitRetire, reason: "supervisor closed control channel"}
			}
			return fmt.Errorf("control channel: %w", err)
		}
		switch message.Type {
		case ipc.MessageTerminate:
			reason := message.Reason
			if reason == "" {
				reason = "terminate requested"
			}
			return &exitStatus{code: message.ExitCode, reason: reason}
		default:
			logger.Warn("unexpected control frame", "type", message.Type)
		}
	}
}

// awaitShutdown returns a retire status grace after requested closes.
func awaitShutdown(ctx context.Context, requested <-chan struct{}, clk clock.Clock, grace time.Duration) error {
	select {
	case <-ctx.Done():
		return nil
	case <-requested:
	}
	select {
	case <-ctx.Done():
	case <-clk.After(grace):
	}
	return &exitStatus{code: process.ExitRetire, reason: "shutdown requested over bus"}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
