// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger returns the structured logger for a shardvisor binary,
// scoped with the component name. Interactive stderr gets
// slog.TextHandler; anything else (systemd, pipes, the supervisor
// collecting worker output) gets slog.JSONHandler.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), component, level)
}

func newLogger(output io.Writer, interactive bool, component string, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if interactive {
		handler = slog.NewTextHandler(output, options)
	} else {
		handler = slog.NewJSONHandler(output, options)
	}
	return slog.New(handler).With("component", component)
}
