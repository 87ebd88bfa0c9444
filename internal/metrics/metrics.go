package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsLogged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionsync_events_logged_total",
		Help: "Total number of events appended to a session on disk.",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionsync_events_dropped_total",
		Help: "Total number of events discarded, labelled by reason.",
	}, []string{"reason"})

	SessionsSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionsync_sessions_sealed_total",
		Help: "Total number of sessions ended and made available for upload.",
	})

	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionsync_sync_passes_total",
		Help: "Total number of sync passes, labelled by trigger reason and outcome.",
	}, []string{"reason", "outcome"})

	SessionUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionsync_session_uploads_total",
		Help: "Total number of session upload attempts, labelled by status.",
	}, []string{"status"})

	SyncPollExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionsync_sync_poll_exhausted_total",
		Help: "Total number of times the server polling budget ran out.",
	})

	SyncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessionsync_sync_pass_duration_ms",
		Help:    "Sync pass latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionsync_queue_utilization_ratio",
		Help: "Current session write queue utilization (0–1).",
	})
)
