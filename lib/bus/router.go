// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// ErrUnknownEndpoint is returned by Dispatch for an endpoint with no
// registered handler.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Handler executes one command endpoint. The returned value is encoded
// as the response's return_value and must be JSON-serializable.
type Handler func(ctx context.Context, args Args) (any, error)

// Router maps endpoint names to handlers. Handlers run concurrently
// with each other; each is responsible for its own synchronization.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers handler for endpoint, replacing any previous one.
func (r *Router) Handle(endpoint string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[endpoint] = handler
}

// Endpoints lists the registered endpoint names in sorted order.
func (r *Router) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for command. A panicking handler is
// recovered and reported as an error.
func (r *Router) Dispatch(ctx context.Context, command *Command) (value any, err error) {
	r.mu.RLock()
	handler, ok := r.handlers[command.Endpoint]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEndpoint, command.Endpoint)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			value = nil
			err = fmt.Errorf("endpoint %q panicked: %v\n%s", command.Endpoint, recovered, debug.Stack())
		}
	}()
	args := command.Args
	if args == nil {
		args = Args{}
	}
	return handler(ctx, args)
}
