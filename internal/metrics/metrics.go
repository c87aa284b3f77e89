// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts input events by stream and disposition.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsync_events_total",
			Help: "Total number of input events by disposition",
		},
		[]string{"stream", "result"},
	)

	// GroupsTotal counts emitted synchronized groups.
	GroupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowsync_groups_total",
			Help: "Total number of synchronized groups emitted",
		},
	)

	// GroupSpanSeconds measures the timestamp spread inside each group.
	GroupSpanSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowsync_group_span_seconds",
			Help:    "Timestamp spread within emitted groups in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
	)

	// StreamAccepting tracks whether a stream's buffer has room (1) or is
	// at capacity (0), mirrored from the latest feedback snapshot.
	StreamAccepting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowsync_stream_accepting",
			Help: "Whether the stream buffer currently accepts messages",
		},
		[]string{"stream"},
	)

	// CommitTimestampSeconds tracks the matcher's commit cursor.
	CommitTimestampSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowsync_commit_timestamp_seconds",
			Help: "Commit cursor below which messages are rejected as late",
		},
	)

	// SinkErrorsTotal counts sink delivery failures.
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsync_sink_errors_total",
			Help: "Total number of sink delivery failures",
		},
		[]string{"sink"},
	)

	// SessionStatus tracks the current session state
	// (0=stopped, 1=running, 2=error).
	SessionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowsync_session_status",
			Help: "Current session status (0=stopped, 1=running, 2=error)",
		},
	)
)

// SessionStatus gauge values.
const (
	SessionStopped = 0
	SessionRunning = 1
	SessionError   = 2
)
