// Package metrics provides Prometheus instrumentation for TabHub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabhub_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabhub_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Connection metrics.
var (
	ActiveRequesters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabhub_active_requesters",
		Help: "Number of currently registered requester clients.",
	})

	AutomatorConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabhub_automator_connected",
		Help: "1 when an automator extension is connected, 0 otherwise.",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabhub_connections_total",
		Help: "Total number of accepted websocket connections.",
	})

	DeadConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabhub_dead_connections_total",
		Help: "Connections terminated by the liveness watchdog.",
	})
)

// Routing metrics.
var (
	FramesRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabhub_frames_routed_total",
		Help: "Frames forwarded by the router.",
	}, []string{"direction"}) // to_automator | to_requester | dropped

	RoutingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabhub_routing_errors_total",
		Help: "Routing errors returned to clients.",
	}, []string{"code"})

	FramesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabhub_frames_received_total",
		Help: "Total inbound frames across all connections.",
	})
)

// Operation metrics.
var (
	OperationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabhub_operations_active",
		Help: "Operations currently tracked by the operation manager.",
	})

	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabhub_operations_total",
		Help: "Operations that reached a terminal status.",
	}, []string{"status"}) // completed | error | cancelled | abandoned
)
