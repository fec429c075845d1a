package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Metrics
var (
	// ConnectionsCurrent tracks current active connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_connections_current",
			Help: "Current number of active connections",
		},
	)

	// HandshakesTotal tracks handshake attempts by protocol and result
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_handshakes_total",
			Help: "Total handshake attempts by protocol (general/live) and result (accepted/rejected/error)",
		},
		[]string{"protocol", "result"},
	)

	// ConnectionsRejected tracks rejected connection attempts by reason
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_connections_rejected_total",
			Help: "Total connections rejected by reason (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// SlowClientsEvicted tracks clients disconnected because their send buffer filled
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_slow_clients_evicted_total",
			Help: "Total slow clients evicted due to full send buffer",
		},
	)

	// TeardownsTotal tracks completed connection teardowns
	TeardownsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_teardowns_total",
			Help: "Total completed connection teardowns",
		},
	)

	// PluginFaults tracks recovered plugin hook panics
	PluginFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_plugin_faults_total",
			Help: "Total recovered plugin hook panics by hook (connect/message/close)",
		},
		[]string{"hook"},
	)
)

// Broker Metrics
var (
	// BrokerEventsPublished tracks events published by kind
	BrokerEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_broker_events_published_total",
			Help: "Total broker events published by kind",
		},
		[]string{"kind"},
	)

	// BrokerEventsReceived tracks events received from the broker by kind
	BrokerEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_broker_events_received_total",
			Help: "Total broker events received by kind",
		},
		[]string{"kind"},
	)

	// BrokerHandlersCurrent tracks attached per-connection broker handlers
	BrokerHandlersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_broker_handlers_current",
			Help: "Current number of attached broker handlers",
		},
	)

	// BrokerDroppedEvents tracks events that could not be decoded
	BrokerDroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_broker_dropped_events_total",
			Help: "Total broker messages dropped because they could not be decoded",
		},
	)
)

// Viewer Tracker Metrics
var (
	// TrackedStreams tracks streams with at least one believed viewer
	TrackedStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_tracked_streams",
			Help: "Number of streams with at least one tracked viewer",
		},
	)

	// TrackedViewers tracks total tracked viewers across streams
	TrackedViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_tracked_viewers",
			Help: "Total tracked viewers across all streams",
		},
	)

	// ViewerCountPublishes tracks viewer count publications by trigger
	ViewerCountPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_viewer_count_publishes_total",
			Help: "Total viewer count publications by trigger (change/reconcile)",
		},
		[]string{"trigger"},
	)

	// ReconcileSweeps tracks reconciliation sweeps by result
	ReconcileSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_reconcile_sweeps_total",
			Help: "Total reconciliation sweeps by result (ok/directory_error/cleared)",
		},
		[]string{"result"},
	)

	// ReconcileEvictions tracks viewers evicted by the reconciliation sweep
	ReconcileEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_reconcile_evictions_total",
			Help: "Total stale viewers evicted by reconciliation",
		},
	)
)

// Collaborator Metrics
var (
	// AuthRequestsTotal tracks authenticator calls by result
	AuthRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_auth_requests_total",
			Help: "Total authenticator calls by result (ok/rejected/error/circuit_open)",
		},
		[]string{"result"},
	)

	// LivenessWriteFailures tracks failed last-active writes
	LivenessWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_liveness_write_failures_total",
			Help: "Total failed last-active liveness writes",
		},
	)

	// CircuitBreakerStateChanges tracks breaker transitions per component
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state changes by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState reports the current breaker state per component
	// (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamgate_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
