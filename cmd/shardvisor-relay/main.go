// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Shardvisor-relay is the bus hub. Workers connect over websocket,
// identify themselves, and every frame one worker sends is forwarded
// to all the others. The relay does not authenticate peers, so it
// refuses to listen on a non-loopback address unless told to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/shardvisor/lib/config"
	"github.com/bureau-foundation/shardvisor/lib/metrics"
	"github.com/bureau-foundation/shardvisor/lib/process"
	"github.com/bureau-foundation/shardvisor/lib/relay"
	"github.com/bureau-foundation/shardvisor/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		host        string
		port        int
		allowRemote bool
		queueSize   int
		debug       bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("shardvisor-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to shardvisor.yaml (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&host, "host", "", "listen host (overrides relay.host)")
	flagSet.IntVar(&port, "port", 0, "listen port (overrides relay.port)")
	flagSet.BoolVar(&allowRemote, "allow-remote", false, "permit a non-loopback listen host")
	flagSet.IntVar(&queueSize, "queue-size", 256, "per-peer outbound frame buffer")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Banner("shardvisor-relay"))
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("host") {
		cfg.Relay.Host = host
	}
	if flagSet.Changed("port") {
		cfg.Relay.Port = port
	}
	cfg.Relay.AllowRemote = cfg.Relay.AllowRemote || allowRemote

	address, err := bindAddress(cfg.Relay)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := process.NewLogger("shardvisor-relay", level)

	relayServer := relay.NewServer(relay.ServerConfig{
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		QueueSize:        queueSize,
		Logger:           logger,
	})

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}

	httpServer := &http.Server{
		Handler:           newMux(relayServer),
		ReadHeaderTimeout: cfg.Relay.HandshakeTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", "peers", relayServer.Registry().Len())
		relayServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("relay listening",
		"address", listener.Addr().String(),
		"allow_remote", cfg.Relay.AllowRemote,
		"queue_size", queueSize,
	)
	return group.Wait()
}

// loadConfig reads the deployment file when one is named. The relay
// needs only the relay section, so it can also run on defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// bindAddress returns host:port for relay, refusing a non-loopback
// host unless AllowRemote is set.
func bindAddress(relay config.RelayConfig) (string, error) {
	if relay.Port < 1 || relay.Port > 65535 {
		return "", fmt.Errorf("relay port %d out of range", relay.Port)
	}
	if !relay.AllowRemote && !config.IsLoopbackHost(relay.Host) {
		return "", fmt.Errorf("refusing to listen on non-loopback host %q without --allow-remote", relay.Host)
	}
	return net.JoinHostPort(relay.Host, strconv.Itoa(relay.Port)), nil
}

func newMux(relayServer *relay.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", relayServer)
	return mux
}
