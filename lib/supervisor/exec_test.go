// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/shardvisor/lib/gateway"
	"github.com/bureau-foundation/shardvisor/lib/ipc"
)

const (
	helperModeVariable     = "SHARDVISOR_TEST_HELPER"
	helperExitCodeVariable = "SHARDVISOR_TEST_EXIT_CODE"
)

// TestHelperProcess is not a real test. ExecSpawner tests re-execute
// the test binary with helperModeVariable set, and this function then
// plays the worker.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperModeVariable)
	if mode == "" {
		return
	}

	clusterID := -1
	for i, arg := range os.Args {
		if arg == "--cluster-id" && i+1 < len(os.Args) {
			clusterID, _ = strconv.Atoi(os.Args[i+1])
		}
	}

	switch mode {
	case "exit":
		code, _ := strconv.Atoi(os.Getenv(helperExitCodeVariable))
		os.Exit(code)
	case "ready":
		channel, err := ipc.OpenChild()
		if err != nil {
			os.Exit(90)
		}
		channel.Send(ipc.Message{Type: ipc.MessageReady, ClusterID: clusterID, PID: os.Getpid()})
		message, err := channel.Receive()
		if err != nil {
			os.Exit(0)
		}
		os.Exit(message.ExitCode)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(91)
}

func helperSpawner(t *testing.T, mode string, env ...string) *ExecSpawner {
	t.Helper()
	spawner := NewExecSpawner(ExecSpawnerConfig{
		Binary:   os.Args[0],
		BaseArgs: []string{"-test.run=^TestHelperProcess$", "--"},
		Env:      append([]string{helperModeVariable + "=" + mode}, env...),
		Stdout:   io.Discard,
		Stderr:   io.Discard,
		Logger:   discardLogger(),
	})
	if err := spawner.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return spawner
}

func awaitDone(t *testing.T, process Process) {
	t.Helper()
	select {
	case <-process.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("process %d did not exit", process.PID())
	}
}

func TestExecSpawnerExitCode(t *testing.T) {
	spawner := helperSpawner(t, "exit", helperExitCodeVariable+"=3")
	process, err := spawner.Spawn(SpawnSpec{ClusterID: 0, ShardIDs: []int{0, 1}, ShardCount: 2, TotalClusters: 1, BotName: "bot"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	awaitDone(t, process)

	if process.Alive() {
		t.Error("Alive after Done closed")
	}
	if code := process.ExitCode(); code != 3 {
		t.Errorf("ExitCode = %d, want 3", code)
	}
	if err := process.Signal(syscall.SIGTERM); !isProcessGone(err) {
		t.Errorf("Signal after exit = %v, want a process-gone error", err)
	}
}

func TestExecSpawnerControlChannel(t *testing.T) {
	spawner := helperSpawner(t, "ready")
	process, err := spawner.Spawn(SpawnSpec{ClusterID: 4, ShardIDs: []int{8, 9}, ShardCount: 10, TotalClusters: 5, BotName: "bot"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	channel := process.Channel()
	if channel == nil {
		t.Fatal("exec process has no control channel")
	}

	ready, err := channel.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ready.Type != ipc.MessageReady || ready.ClusterID != 4 || ready.PID != process.PID() {
		t.Errorf("ready frame = %+v, want cluster 4 pid %d", ready, process.PID())
	}

	if err := channel.Send(ipc.Message{Type: ipc.MessageTerminate, ClusterID: 4, ExitCode: 0}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	awaitDone(t, process)
	if code := process.ExitCode(); code != 0 {
		t.Errorf("ExitCode = %d, want 0", code)
	}
}

func TestExecSpawnerKilledBySignal(t *testing.T) {
	spawner := helperSpawner(t, "sleep")
	process, err := spawner.Spawn(SpawnSpec{ClusterID: 0, BotName: "bot"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !process.Alive() {
		t.Fatal("process not alive right after Spawn")
	}
	if err := process.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	awaitDone(t, process)
	if code := process.ExitCode(); code != -1 {
		t.Errorf("ExitCode after SIGKILL = %d, want -1", code)
	}
}

func TestExecSpawnerArgs(t *testing.T) {
	spawner := NewExecSpawner(ExecSpawnerConfig{Binary: "shardvisor-worker", ConfigPath: "/etc/shardvisor.yaml"})
	got := spawner.Args(SpawnSpec{ClusterID: 2, ShardIDs: []int{4, 5}, ShardCount: 7, TotalClusters: 4, BotName: "mybot"})
	want := []string{
		"--cluster-id", "2",
		"--shard-ids", "4,5",
		"--shard-count", "7",
		"--total-clusters", "4",
		"--bot-name", "mybot",
		"--config", "/etc/shardvisor.yaml",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Args = %v, want %v", got, want)
	}
}

func TestExecSpawnerRefreshTracksDigest(t *testing.T) {
	binary := filepath.Join(t.TempDir(), "worker")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("writing binary: %v", err)
	}
	spawner := NewExecSpawner(ExecSpawnerConfig{Binary: binary, Logger: discardLogger()})

	if err := spawner.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	first := spawner.Digest()

	if err := os.WriteFile(binary, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("rewriting binary: %v", err)
	}
	if err := spawner.Refresh(); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if spawner.Digest() == first {
		t.Error("digest unchanged after the binary was replaced")
	}

	missing := NewExecSpawner(ExecSpawnerConfig{Binary: filepath.Join(t.TempDir(), "absent"), Logger: discardLogger()})
	if err := missing.Refresh(); err == nil {
		t.Error("Refresh of a missing binary succeeded")
	}
}

// TestSupervisorRestartsKilledWorkerProcess kills a real worker process
// from outside and expects the supervisor to bring the cluster back
// with its original shards.
func TestSupervisorRestartsKilledWorkerProcess(t *testing.T) {
	spawner := helperSpawner(t, "sleep")
	supervisor, err := New(Config{
		BotName:           "bot",
		ShardsPerCluster:  2,
		ReconcileInterval: 50 * time.Millisecond,
		TerminateGrace:    5 * time.Second,
		ShardCounter:      gateway.Fixed(4),
		Spawner:           spawner,
		Reload:            spawner.Refresh,
		Logger:            discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- supervisor.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	waitFor := func(description string, condition func([]WorkerStatus) bool) []WorkerStatus {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for {
			workers := supervisor.Workers()
			if len(workers) == 2 && condition(workers) {
				return workers
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s: %+v", description, workers)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	initial := waitFor("both workers alive", func(workers []WorkerStatus) bool {
		return workers[0].Alive && workers[1].Alive
	})
	victim := initial[1].PID

	if err := syscall.Kill(victim, syscall.SIGKILL); err != nil {
		t.Fatalf("killing worker 1: %v", err)
	}

	restarted := waitFor("worker 1 restarted", func(workers []WorkerStatus) bool {
		return workers[1].Alive && workers[1].PID != victim
	})
	if !slices.Equal(restarted[1].ShardIDs, []int{2, 3}) {
		t.Errorf("restarted shards = %v, want [2 3]", restarted[1].ShardIDs)
	}
	if restarted[1].Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", restarted[1].Restarts)
	}
	if restarted[0].PID != initial[0].PID || restarted[0].Restarts != 0 {
		t.Errorf("worker 0 disturbed: %+v", restarted[0])
	}
}
