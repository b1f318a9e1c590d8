// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"os"
	"sync"
	"syscall"

	"github.com/bureau-foundation/shardvisor/lib/ipc"
	"github.com/bureau-foundation/shardvisor/lib/process"
)

// fakeProcess exits when told to, or when signaled unless it is
// ignoring signals. SIGTERM exits the way the worker binary does,
// with process.SignalExitCode; any other signal exits -1 as a signal
// death does under os/exec.
type fakeProcess struct {
	pid  int
	spec SpawnSpec

	mu             sync.Mutex
	exitCode       int
	exited         bool
	done           chan struct{}
	signals        []os.Signal
	ignoreSignals  bool
	signalOverride error
	// exitCodePanics is the number of upcoming ExitCode calls that
	// panic.
	exitCodePanics int
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCodePanics > 0 {
		p.exitCodePanics--
		panic("exit status unavailable")
	}
	if !p.exited {
		return -1
	}
	return p.exitCode
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	if p.signalOverride != nil {
		err := p.signalOverride
		p.mu.Unlock()
		return err
	}
	if p.exited {
		p.mu.Unlock()
		return os.ErrProcessDone
	}
	p.signals = append(p.signals, sig)
	ignore := p.ignoreSignals && sig != syscall.SIGKILL
	p.mu.Unlock()

	if ignore {
		return nil
	}
	if sig == syscall.SIGTERM {
		p.exit(process.SignalExitCode(syscall.SIGTERM))
	} else {
		p.exit(-1)
	}
	return nil
}

func (p *fakeProcess) Channel() *ipc.Channel { return nil }

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = code
	close(p.done)
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeSpawner records every spawn and publishes it on spawned.
type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	history []*fakeProcess
	// failures maps a cluster id to the number of upcoming spawns of
	// it that should fail; panics likewise for spawns that panic.
	failures map[int]int
	panics   map[int]int

	spawned chan *fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPID:  1000,
		failures: make(map[int]int),
		panics:   make(map[int]int),
		spawned:  make(chan *fakeProcess, 64),
	}
}

func (s *fakeSpawner) Spawn(spec SpawnSpec) (Process, error) {
	s.mu.Lock()
	if s.panics[spec.ClusterID] > 0 {
		s.panics[spec.ClusterID]--
		s.mu.Unlock()
		panic("spawner exploded")
	}
	if s.failures[spec.ClusterID] > 0 {
		s.failures[spec.ClusterID]--
		s.mu.Unlock()
		return nil, errors.New("fork failed")
	}
	s.nextPID++
	proc := &fakeProcess{pid: s.nextPID, spec: spec, done: make(chan struct{})}
	s.history = append(s.history, proc)
	s.mu.Unlock()

	s.spawned <- proc
	return proc, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
