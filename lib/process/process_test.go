// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"syscall"
	"testing"
)

func TestShouldRestart(t *testing.T) {
	tests := []struct {
		exitCode int
		want     bool
	}{
		{ExitRetire, false},
		{ExitCrash, true},
		{2, true},
		{137, true},
		{-1, true},
	}
	for _, test := range tests {
		if got := ShouldRestart(test.exitCode); got != test.want {
			t.Errorf("ShouldRestart(%d) = %v, want %v", test.exitCode, got, test.want)
		}
	}
}

func TestSignalExitCodeRestarts(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP} {
		code := SignalExitCode(sig)
		if code != 128+int(sig) {
			t.Errorf("SignalExitCode(%v) = %d, want %d", sig, code, 128+int(sig))
		}
		if !ShouldRestart(code) {
			t.Errorf("ShouldRestart(SignalExitCode(%v)) = false, want true", sig)
		}
	}
}

func TestNewLoggerJSONWhenNotInteractive(t *testing.T) {
	var output bytes.Buffer
	logger := newLogger(&output, false, "supervisor", slog.LevelInfo)
	logger.Info("worker started", "cluster_id", 2)

	var record map[string]any
	if err := json.Unmarshal(output.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, output.String())
	}
	if record["component"] != "supervisor" {
		t.Errorf("component = %v, want supervisor", record["component"])
	}
	if record["cluster_id"] != float64(2) {
		t.Errorf("cluster_id = %v, want 2", record["cluster_id"])
	}
}

func TestNewLoggerTextWhenInteractive(t *testing.T) {
	var output bytes.Buffer
	logger := newLogger(&output, true, "relay", slog.LevelInfo)
	logger.Debug("suppressed")
	logger.Info("listening")

	line := output.String()
	if strings.Contains(line, "suppressed") {
		t.Error("debug record emitted at info level")
	}
	if !strings.Contains(line, "component=relay") {
		t.Errorf("text output missing component attribute: %q", line)
	}
}
