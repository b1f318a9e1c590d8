// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestReadProcessSampleFrom(t *testing.T) {
	directory := t.TempDir()
	// The command name contains a space and a parenthesis to exercise
	// the last-')' split.
	writeFile(t, filepath.Join(directory, "stat"),
		"4242 (shard worker) S 1 4242 4242 0 -1 4194560 1200 0 0 0 350 150 0 0 20 0 12 0 9000 1000000 2500\n")
	writeFile(t, filepath.Join(directory, "status"),
		"Name:\tshardvisor-work\nVmPeak:\t  900000 kB\nVmRSS:\t   20480 kB\nThreads:\t12\n")

	sample := readProcessSampleFrom(directory)
	if sample.cpuTicks != 500 {
		t.Errorf("cpuTicks = %d, want 500", sample.cpuTicks)
	}
	if sample.threads != 12 {
		t.Errorf("threads = %d, want 12", sample.threads)
	}
	if sample.rssBytes != 20480*1024 {
		t.Errorf("rssBytes = %d, want %d", sample.rssBytes, 20480*1024)
	}
}

func TestReadProcessSampleMissing(t *testing.T) {
	sample := readProcessSampleFrom(filepath.Join(t.TempDir(), "absent"))
	if sample != (processSample{}) {
		t.Errorf("sample = %+v, want zero", sample)
	}
}

func TestCPUPercent(t *testing.T) {
	previous := processSample{cpuTicks: 1000}
	current := processSample{cpuTicks: 1050}
	// 50 ticks = 0.5s of CPU over 2s of wall time.
	if got := cpuPercent(previous, current, 2*time.Second); got != 25 {
		t.Errorf("cpuPercent = %v, want 25", got)
	}
	if got := cpuPercent(processSample{}, current, time.Second); got != 0 {
		t.Errorf("cpuPercent without baseline = %v, want 0", got)
	}
	if got := cpuPercent(previous, current, 0); got != 0 {
		t.Errorf("cpuPercent over zero interval = %v, want 0", got)
	}
}
