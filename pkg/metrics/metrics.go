// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsActive tracks live realtime sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_sessions_active",
			Help: "Number of active realtime sessions",
		},
	)

	// SessionsClosed counts closed sessions by close reason.
	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_sessions_closed_total",
			Help: "Total realtime sessions closed",
		},
		[]string{"reason"},
	)

	// OutboundQueueDepth observes the outbound queue depth at enqueue time.
	OutboundQueueDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_outbound_queue_depth",
			Help:    "Outbound queue depth observed when a push is enqueued",
			Buckets: []float64{0, 1, 4, 16, 32, 64, 128, 256, 512, 1024},
		},
	)

	// FanoutDuration tracks the time to fan one event out to its subscribers.
	FanoutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_duration_seconds",
			Help:    "Duration of one event fan-out",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"class"},
	)

	// FanoutPushes counts individual pushes by outcome.
	FanoutPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_pushes_total",
			Help: "Total pushes attempted during fan-out",
		},
		[]string{"outcome"},
	)

	// EphemeralDropped counts ephemeral events dropped on full queues.
	EphemeralDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_ephemeral_dropped_total",
			Help: "Ephemeral events dropped because a session queue was full",
		},
	)

	// PendingMarkers counts offline-delivery markers written.
	PendingMarkers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_pending_markers_total",
			Help: "Offline delivery markers written",
		},
	)

	// EventsCommitted counts durably committed events.
	EventsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_committed_total",
			Help: "Total events durably committed",
		},
		[]string{"type"},
	)

	// SequenceFailures counts failed sequence allocations or persists.
	SequenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_failures_total",
			Help: "Failed sequence allocations and event persists",
		},
		[]string{"stage"},
	)

	// ReconnectGap observes the size of the gap streamed on reconciliation.
	ReconnectGap = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backlog_reconnect_gap",
			Help:    "Number of events between client cursor and high-water mark",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	// SnapshotsRequired counts snapshot_required signals.
	SnapshotsRequired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backlog_snapshot_required_total",
			Help: "Reconciliations answered with snapshot_required",
		},
	)

	// AnomalousCursors counts client cursors beyond the high-water mark.
	AnomalousCursors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backlog_anomalous_cursor_total",
			Help: "Client sequence cursors that exceeded the high-water mark",
		},
		[]string{"source"},
	)

	// PresenceTransitions counts presence status changes.
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Presence status transitions",
		},
		[]string{"status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordFanout records the outcome of one fan-out pass.
func RecordFanout(class string, duration float64, delivered, failed int) {
	FanoutDuration.WithLabelValues(class).Observe(duration)
	FanoutPushes.WithLabelValues("delivered").Add(float64(delivered))
	FanoutPushes.WithLabelValues("failed").Add(float64(failed))
}

// IncrementSessions increments the active session count.
func IncrementSessions() {
	SessionsActive.Inc()
}

// DecrementSessions decrements the active session count.
func DecrementSessions(reason string) {
	SessionsActive.Dec()
	SessionsClosed.WithLabelValues(reason).Inc()
}
