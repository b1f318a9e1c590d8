// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Shardvisor supervises the worker processes of one bot. It discovers
// the gateway shard count, partitions the shards into clusters, starts
// one shardvisor-worker per cluster and restarts any that crash. A
// worker that exits with status 0 is retired; the supervisor exits once
// every worker has retired or it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/shardvisor/lib/botconfig"
	"github.com/bureau-foundation/shardvisor/lib/config"
	"github.com/bureau-foundation/shardvisor/lib/gateway"
	"github.com/bureau-foundation/shardvisor/lib/metrics"
	"github.com/bureau-foundation/shardvisor/lib/process"
	"github.com/bureau-foundation/shardvisor/lib/supervisor"
	"github.com/bureau-foundation/shardvisor/lib/version"
)

const workerBinaryName = "shardvisor-worker"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath   string
		workerBinary string
		debug        bool
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("shardvisor", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to shardvisor.yaml (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&workerBinary, "worker-binary", "", "worker executable (overrides supervisor.worker_binary)")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Banner("shardvisor"))
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, configPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := process.NewLogger("shardvisor", level).With("bot", cfg.BotName)

	stopSignal, err := cfg.StopSignal()
	if err != nil {
		return err
	}

	botConfigPath := botconfig.Path(cfg.BotConfigDirectory, cfg.BotName)
	counter, err := shardCounter(cfg, botConfigPath, logger)
	if err != nil {
		return err
	}

	if workerBinary == "" {
		workerBinary = cfg.Supervisor.WorkerBinary
	}
	if workerBinary == "" {
		workerBinary = defaultWorkerBinary()
	}

	spawner := supervisor.NewExecSpawner(supervisor.ExecSpawnerConfig{
		Binary:     workerBinary,
		ConfigPath: configPath,
		Logger:     logger,
	})

	sup, err := supervisor.New(supervisor.Config{
		BotName:           cfg.BotName,
		ShardsPerCluster:  cfg.Supervisor.ShardsPerCluster,
		ReconcileInterval: cfg.Supervisor.ReconcileInterval,
		StopSignal:        stopSignal,
		ShardCounter:      counter,
		Spawner:           spawner,
		Reload:            reloader(spawner, botConfigPath, logger),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("supervisor starting",
		"version", version.Info(),
		"bot", cfg.BotName,
		"worker_binary", workerBinary,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	supervisorDone := make(chan struct{})

	group.Go(func() error {
		defer close(supervisorDone)
		return sup.Run(groupCtx)
	})

	if cfg.Supervisor.MetricsAddress != "" {
		server := &http.Server{
			Addr:              cfg.Supervisor.MetricsAddress,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			logger.Info("serving metrics", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			// All workers retiring ends Run without cancelling
			// groupCtx, so wait on either.
			select {
			case <-groupCtx.Done():
			case <-supervisorDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	logger.Info("supervisor exited", "state", sup.State().String())
	return err
}

// loadConfig resolves the configuration file from --config or the
// environment and returns it with the absolute path workers are given.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	if path == "" {
		_, err := config.Load()
		return nil, "", err
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("resolving config path: %w", err)
	}
	cfg, err := config.LoadFile(absolute)
	if err != nil {
		return nil, "", err
	}
	return cfg, absolute, nil
}

// shardCounter returns the configured fixed total, or a gateway client
// authenticated with the bot's token.
func shardCounter(cfg *config.Config, botConfigPath string, logger *slog.Logger) (supervisor.ShardCounter, error) {
	if cfg.Gateway.ShardCount > 0 {
		logger.Info("using configured shard count", "shards", cfg.Gateway.ShardCount)
		return gateway.Fixed(cfg.Gateway.ShardCount), nil
	}
	bot, err := botconfig.ReadFile(botConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading bot config for shard discovery: %w", err)
	}
	return gateway.NewClient(gateway.ClientConfig{
		BaseURL:    cfg.Gateway.URL,
		Token:      bot.Token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	})
}

// reloader refreshes the worker binary and re-parses the bot
// configuration before every spawn. A broken bot configuration is
// reported here so the log names the cause before the worker fails on
// it.
func reloader(spawner *supervisor.ExecSpawner, botConfigPath string, logger *slog.Logger) func() error {
	return func() error {
		if err := spawner.Refresh(); err != nil {
			return err
		}
		if _, err := botconfig.ReadFile(botConfigPath); err != nil {
			logger.Warn("bot config does not parse; workers will fail to start", "path", botConfigPath, "error", err)
		}
		return nil
	}
}

// defaultWorkerBinary prefers a worker installed next to this
// executable and falls back to a PATH lookup.
func defaultWorkerBinary() string {
	executable, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(executable), workerBinaryName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return workerBinaryName
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
