// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/shardvisor/lib/clock"
	"github.com/bureau-foundation/shardvisor/lib/ipc"
	"github.com/bureau-foundation/shardvisor/lib/metrics"
	"github.com/bureau-foundation/shardvisor/lib/process"
	"github.com/bureau-foundation/shardvisor/lib/shard"
)

// ErrUnknownWorker is returned for a worker id outside the partition.
var ErrUnknownWorker = errors.New("unknown worker")

// errAllRetired ends the reconciliation loop when every worker has
// exited cleanly.
var errAllRetired = errors.New("all workers retired")

// State is the supervisor lifecycle state.
type State int

const (
	StateInitializing State = iota
	StatePartitioning
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePartitioning:
		return "partitioning"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ShardCounter reports the total number of gateway shards.
type ShardCounter interface {
	ShardCount(ctx context.Context) (int, error)
}

// Config configures a Supervisor.
type Config struct {
	BotName          string
	ShardsPerCluster int

	// ReconcileInterval is the period of the health sweep. Default 5s.
	ReconcileInterval time.Duration

	// StopSignal is sent to workers on shutdown. Default SIGTERM.
	StopSignal os.Signal

	// TerminateGrace bounds the wait for a signaled worker to exit
	// before it is killed. Default 10s.
	TerminateGrace time.Duration

	ShardCounter ShardCounter
	Spawner      Spawner

	// Reload, if set, runs before every spawn so new workers pick up
	// current code and configuration. A failure is logged and the
	// spawn goes ahead.
	Reload func() error

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor owns the worker processes of one bot.
type Supervisor struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	// opMu serializes operations that change worker processes:
	// reconciliation passes, StartWorker, StopWorker, and shutdown.
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	workers      []*WorkerHandle
	loopRestarts int

	// onReconcile, if set, is called after every reconciliation pass.
	onReconcile func()
}

// New validates config and returns a Supervisor in StateInitializing.
func New(config Config) (*Supervisor, error) {
	if config.BotName == "" {
		return nil, errors.New("supervisor: bot name is required")
	}
	if config.ShardCounter == nil {
		return nil, errors.New("supervisor: shard counter is required")
	}
	if config.Spawner == nil {
		return nil, errors.New("supervisor: spawner is required")
	}
	if config.ShardsPerCluster <= 0 {
		config.ShardsPerCluster = 2
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = 5 * time.Second
	}
	if config.StopSignal == nil {
		config.StopSignal = syscall.SIGTERM
	}
	if config.TerminateGrace <= 0 {
		config.TerminateGrace = 10 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Supervisor{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	previous := s.state
	s.state = state
	s.mu.Unlock()
	if previous != state {
		s.logger.Info("supervisor state", "from", previous.String(), "to", state.String())
	}
}

// Workers returns a snapshot of every worker, ordered by id.
func (s *Supervisor) Workers() []WorkerStatus {
	s.mu.Lock()
	statuses := make([]WorkerStatus, len(s.workers))
	procs := make([]Process, len(s.workers))
	for i, handle := range s.workers {
		statuses[i], procs[i] = handle.status()
	}
	s.mu.Unlock()

	for i := range statuses {
		statuses[i].fillProcess(procs[i])
	}
	return statuses
}

// Run discovers the shard count, spawns every worker, and supervises
// them until ctx is cancelled or every worker has retired. Both end in
// a full shutdown and a nil return. Startup failures (shard discovery,
// partitioning, initial spawn) return an error with no workers left
// running.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		s.shutdown()
		return err
	}

	for {
		err := s.superviseLoop(ctx)
		if errors.Is(err, errAllRetired) {
			s.logger.Info("every worker exited cleanly, shutting down")
			break
		}
		if ctx.Err() != nil {
			s.logger.Info("supervisor interrupted, shutting down")
			break
		}
		s.mu.Lock()
		s.loopRestarts++
		s.mu.Unlock()
		s.logger.Error("reconciliation loop failed, restarting it", "error", err)
	}

	s.shutdown()
	return nil
}

// start runs the INITIALIZING and PARTITIONING states and spawns the
// initial workers.
func (s *Supervisor) start(ctx context.Context) error {
	s.setState(StateInitializing)
	totalShards, err := s.config.ShardCounter.ShardCount(ctx)
	if err != nil {
		return fmt.Errorf("discovering shard count: %w", err)
	}

	s.setState(StatePartitioning)
	partition, err := shard.Partition(totalShards, s.config.ShardsPerCluster)
	if err != nil {
		return err
	}
	if len(partition) == 0 {
		return errors.New("gateway reported zero shards")
	}

	handles := make([]*WorkerHandle, len(partition))
	for id, shardIDs := range partition {
		handles[id] = &WorkerHandle{
			ID:            id,
			ShardIDs:      shardIDs,
			TotalShards:   totalShards,
			TotalClusters: len(partition),
		}
	}
	s.mu.Lock()
	s.workers = handles
	s.mu.Unlock()
	s.logger.Info("shards partitioned", "total_shards", totalShards,
		"clusters", len(partition), "shards_per_cluster", s.config.ShardsPerCluster)

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.reload()
	var group errgroup.Group
	for _, handle := range handles {
		group.Go(func() error { return s.spawnLocked(handle) })
	}
	if err := group.Wait(); err != nil {
		return err
	}

	s.setState(StateRunning)
	return nil
}

// superviseLoop ticks reconciliation until ctx is done or every worker
// is retired. A panic inside a pass is returned as an error so Run can
// restart the loop.
func (s *Supervisor) superviseLoop(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("reconciliation panicked: %v\n%s", recovered, debug.Stack())
		}
	}()

	ticker := s.clock.NewTicker(s.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			allRetired := s.reconcile()
			if s.onReconcile != nil {
				s.onReconcile()
			}
			if allRetired {
				return errAllRetired
			}
		}
	}
}

// reconcile makes one pass over the workers and reports whether every
// worker is now both dead and retired.
func (s *Supervisor) reconcile() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	handles := s.workers
	s.mu.Unlock()

	for _, handle := range handles {
		proc, dontRestart := s.snapshot(handle)
		if dontRestart || processAlive(proc) {
			continue
		}
		exitCode := processExitCode(proc)

		s.logger.Warn("worker exited", "cluster_id", handle.ID, "exit_code", exitCode)
		if err := s.stopLocked(handle, s.config.StopSignal); err != nil {
			s.logger.Warn("stopping exited worker", "cluster_id", handle.ID, "error", err)
		}

		if !process.ShouldRestart(exitCode) {
			s.mu.Lock()
			handle.dontRestart = true
			s.mu.Unlock()
			s.logger.Info("worker retired", "cluster_id", handle.ID)
			continue
		}

		s.reload()
		if err := s.spawnLocked(handle); err != nil {
			s.logger.Error("restarting worker", "cluster_id", handle.ID, "error", err)
			continue
		}
		s.mu.Lock()
		handle.restarts++
		s.mu.Unlock()
		metrics.WorkerRestarts.WithLabelValues(strconv.Itoa(handle.ID)).Inc()
	}

	alive, retired := 0, 0
	for _, handle := range handles {
		proc, dontRestart := s.snapshot(handle)
		switch {
		case processAlive(proc):
			alive++
		case dontRestart:
			retired++
		}
	}
	metrics.WorkersAlive.Set(float64(alive))
	return retired == len(handles)
}

// snapshot reads the handle's current process and retire mark.
func (s *Supervisor) snapshot(handle *WorkerHandle) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return handle.process, handle.dontRestart
}

func (s *Supervisor) reload() {
	if s.config.Reload == nil {
		return
	}
	if err := s.config.Reload(); err != nil {
		s.logger.Error("refreshing worker state before spawn", "error", err)
	}
}

// spawnLocked starts a new process for handle. Caller holds opMu.
func (s *Supervisor) spawnLocked(handle *WorkerHandle) error {
	proc, err := s.config.Spawner.Spawn(handle.spec(s.config.BotName))
	if err != nil {
		return fmt.Errorf("spawning worker %d: %w", handle.ID, err)
	}

	s.mu.Lock()
	handle.process = proc
	handle.ready = false
	s.mu.Unlock()

	if channel := proc.Channel(); channel != nil {
		go s.watchChannel(handle, proc, channel)
	}
	s.logger.Info("worker started", "cluster_id", handle.ID,
		"shard_ids", shard.FormatIDs(handle.ShardIDs), "pid", proc.PID())
	return nil
}

// watchChannel reads control frames from one worker process until its
// channel closes.
func (s *Supervisor) watchChannel(handle *WorkerHandle, proc Process, channel *ipc.Channel) {
	for {
		message, err := channel.Receive()
		if err != nil {
			return
		}
		switch message.Type {
		case ipc.MessageReady:
			s.mu.Lock()
			current := handle.process == proc
			if current {
				handle.ready = true
			}
			s.mu.Unlock()
			if current {
				s.logger.Info("worker ready", "cluster_id", handle.ID, "pid", message.PID)
			}
		default:
			s.logger.Warn("unexpected control frame", "cluster_id", handle.ID, "type", message.Type)
		}
	}
}

func (s *Supervisor) handle(id int) (*WorkerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.workers) {
		return nil, fmt.Errorf("%w %d", ErrUnknownWorker, id)
	}
	return s.workers[id], nil
}

// StartWorker starts the worker with the given id. A running worker is
// left alone unless force is set, in which case it is terminated and
// replaced. An explicit start also clears a retired worker's
// do-not-restart mark.
func (s *Supervisor) StartWorker(id int, force bool) error {
	handle, err := s.handle(id)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	proc, _ := s.snapshot(handle)
	if processAlive(proc) {
		if !force {
			s.logger.Warn("worker already running, not starting another", "cluster_id", id)
			return nil
		}
		s.terminateLocked(handle, "forced restart")
	}

	s.reload()
	if err := s.spawnLocked(handle); err != nil {
		return err
	}
	s.mu.Lock()
	handle.dontRestart = false
	s.mu.Unlock()
	return nil
}

// StopWorker sends sig to the worker's process. A process that is
// already gone, or that we may not signal, counts as stopped.
func (s *Supervisor) StopWorker(id int, sig os.Signal) error {
	handle, err := s.handle(id)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(handle, sig)
}

func (s *Supervisor) stopLocked(handle *WorkerHandle, sig os.Signal) error {
	s.mu.Lock()
	proc := handle.process
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	if err := proc.Signal(sig); err != nil && !isProcessGone(err) {
		return fmt.Errorf("signaling worker %d (pid %d): %w", handle.ID, proc.PID(), err)
	}
	return nil
}

// terminateLocked asks the worker to exit over its control channel and
// with the stop signal, then kills it if it outlives TerminateGrace.
// Returns once the process has exited or been killed.
func (s *Supervisor) terminateLocked(handle *WorkerHandle, reason string) {
	s.mu.Lock()
	proc := handle.process
	s.mu.Unlock()
	if proc == nil || !proc.Alive() {
		return
	}

	if channel := proc.Channel(); channel != nil {
		err := channel.Send(ipc.Message{
			Type:      ipc.MessageTerminate,
			ClusterID: handle.ID,
			ExitCode:  process.ExitRetire,
			Reason:    reason,
		})
		if err != nil {
			s.logger.Debug("terminate frame not delivered", "cluster_id", handle.ID, "error", err)
		}
	}
	if err := s.stopLocked(handle, s.config.StopSignal); err != nil {
		s.logger.Warn("stopping worker", "cluster_id", handle.ID, "error", err)
	}
	s.awaitExit(handle, proc)
}

func (s *Supervisor) awaitExit(handle *WorkerHandle, proc Process) {
	select {
	case <-proc.Done():
		return
	case <-s.clock.After(s.config.TerminateGrace):
	}
	s.logger.Warn("worker did not exit in time, killing", "cluster_id", handle.ID,
		"pid", proc.PID(), "grace", s.config.TerminateGrace)
	if err := proc.Signal(syscall.SIGKILL); err != nil && !isProcessGone(err) {
		s.logger.Error("killing worker", "cluster_id", handle.ID, "error", err)
		return
	}
	<-proc.Done()
}

// shutdown stops every worker and waits for them to exit.
func (s *Supervisor) shutdown() {
	s.setState(StateShuttingDown)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	handles := s.workers
	s.mu.Unlock()

	var group sync.WaitGroup
	for _, handle := range handles {
		s.mu.Lock()
		proc := handle.process
		s.mu.Unlock()
		if proc == nil || !proc.Alive() {
			continue
		}
		if err := s.stopLocked(handle, s.config.StopSignal); err != nil {
			s.logger.Warn("stopping worker", "cluster_id", handle.ID, "error", err)
		}
		group.Go(func() { s.awaitExit(handle, proc) })
	}
	group.Wait()

	metrics.WorkersAlive.Set(0)
	s.setState(StateStopped)
}
