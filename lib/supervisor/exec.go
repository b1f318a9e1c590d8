// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/bureau-foundation/shardvisor/lib/binhash"
	"github.com/bureau-foundation/shardvisor/lib/ipc"
	"github.com/bureau-foundation/shardvisor/lib/shard"
)

// ExecSpawnerConfig configures an ExecSpawner.
type ExecSpawnerConfig struct {
	// Binary is the worker executable, as a path or a name resolved
	// through PATH on every Refresh.
	Binary string

	// BaseArgs precede the generated worker flags.
	BaseArgs []string

	// ConfigPath, if set, is passed to workers as --config.
	ConfigPath string

	// Env is appended to the supervisor's environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// ExecSpawner starts workers with os/exec. Each worker gets a fresh
// control socketpair on fd 3.
type ExecSpawner struct {
	config ExecSpawnerConfig
	logger *slog.Logger

	mu       sync.Mutex
	resolved string
	digest   binhash.Digest
}

// NewExecSpawner returns a spawner for config.Binary. Call Refresh
// before the first Spawn to resolve and fingerprint the binary.
func NewExecSpawner(config ExecSpawnerConfig) *ExecSpawner {
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}
	if config.Stderr == nil {
		config.Stderr = os.Stderr
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &ExecSpawner{config: config, logger: config.Logger, resolved: config.Binary}
}

// Refresh re-resolves the worker binary and records its BLAKE3 digest,
// logging when the binary changed since the previous Refresh. Workers
// started afterwards run whatever is installed now.
func (s *ExecSpawner) Refresh() error {
	path, err := exec.LookPath(s.config.Binary)
	if err != nil {
		return fmt.Errorf("resolving worker binary %q: %w", s.config.Binary, err)
	}
	digest, err := binhash.HashFile(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	previousPath, previous := s.resolved, s.digest
	s.resolved, s.digest = path, digest
	s.mu.Unlock()

	switch {
	case previous == (binhash.Digest{}):
		s.logger.Info("worker binary resolved", "path", path, "digest", digest.Short())
	case previous != digest || previousPath != path:
		s.logger.Info("worker binary changed", "path", path,
			"previous_digest", previous.Short(), "digest", digest.Short())
	}
	return nil
}

// Digest returns the digest recorded by the last successful Refresh.
func (s *ExecSpawner) Digest() binhash.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest
}

// Args returns the command line for spec, excluding the binary.
func (s *ExecSpawner) Args(spec SpawnSpec) []string {
	args := append([]string(nil), s.config.BaseArgs...)
	args = append(args,
		"--cluster-id", strconv.Itoa(spec.ClusterID),
		"--shard-ids", shard.FormatIDs(spec.ShardIDs),
		"--shard-count", strconv.Itoa(spec.ShardCount),
		"--total-clusters", strconv.Itoa(spec.TotalClusters),
		"--bot-name", spec.BotName,
	)
	if s.config.ConfigPath != "" {
		args = append(args, "--config", s.config.ConfigPath)
	}
	return args
}

// Spawn starts a worker for spec.
func (s *ExecSpawner) Spawn(spec SpawnSpec) (Process, error) {
	s.mu.Lock()
	binary := s.resolved
	s.mu.Unlock()

	channel, childFile, err := ipc.Pair()
	if err != nil {
		return nil, err
	}

	command := exec.Command(binary, s.Args(spec)...)
	command.Env = append(os.Environ(), s.config.Env...)
	command.ExtraFiles = []*os.File{childFile} // becomes ipc.ChildFD in the worker
	command.Stdout = s.config.Stdout
	command.Stderr = s.config.Stderr

	if err := command.Start(); err != nil {
		channel.Close()
		childFile.Close()
		return nil, fmt.Errorf("starting worker %d: %w", spec.ClusterID, err)
	}
	// The child has its own copy.
	childFile.Close()

	process := &execProcess{
		command: command,
		channel: channel,
		done:    make(chan struct{}),
	}
	go process.reap()
	return process, nil
}

type execProcess struct {
	command *exec.Cmd
	channel *ipc.Channel
	done    chan struct{}

	// Written once by reap before done is closed.
	exitCode int
}

// reap waits for the process so it does not linger as a zombie, then
// records the exit status and releases the control channel.
func (p *execProcess) reap() {
	waitErr := p.command.Wait()
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	p.exitCode = exitCode
	p.channel.Close()
	close(p.done)
}

func (p *execProcess) PID() int { return p.command.Process.Pid }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.command.Process.Signal(sig)
}

func (p *execProcess) Channel() *ipc.Channel { return p.channel }
