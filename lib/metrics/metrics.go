// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors shared by the
// supervisor, relay, and worker binaries. Collectors register with the
// default registry at init; each binary serves whichever subset it
// touches through Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardvisor"

var (
	// WorkerRestarts counts respawns after a non-zero exit.
	// Labels: cluster
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Worker processes respawned after an abnormal exit",
	}, []string{"cluster"})

	// WorkersAlive is the number of live worker processes as of the
	// last reconciliation pass.
	WorkersAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_alive",
		Help:      "Worker processes alive at the last reconciliation pass",
	})

	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Registered bus relay connections",
	})

	RelayFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Frames received by the relay for rebroadcast",
	})

	// RelayDropped counts per-peer deliveries skipped because the
	// peer's outbound queue was full.
	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Frames dropped for slow relay peers",
	})

	// BusRequests counts correlated requests issued by this process.
	// Labels: endpoint
	BusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "requests_total",
		Help:      "Bus requests issued",
	}, []string{"endpoint"})

	// BusRequestTimeouts counts requests that resolved by deadline
	// rather than quorum.
	// Labels: endpoint
	BusRequestTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "request_timeouts_total",
		Help:      "Bus requests that returned a partial result at the deadline",
	}, []string{"endpoint"})

	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Bus connection attempts after the first",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
