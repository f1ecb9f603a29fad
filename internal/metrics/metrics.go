// Package metrics registers the Prometheus instruments shared across the
// conversational backbone. All metric names carry the widgetchat_ prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRecorded counts journal appends by event type and outcome
	// (created or duplicate).
	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "widgetchat_events_recorded_total",
		Help: "Events offered to the journal, by type and outcome.",
	}, []string{"type", "outcome"})

	// ProjectionErrors counts events the projector failed to apply.
	ProjectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "widgetchat_projection_errors_total",
		Help: "Events the projector could not apply, by event type.",
	}, []string{"type"})

	// ValuationsDispatched counts valuation jobs enqueued by the guard.
	ValuationsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "widgetchat_valuations_dispatched_total",
		Help: "Valuation jobs handed to the worker queue.",
	})

	// ValuationsCompleted counts finished valuation jobs by terminal status.
	ValuationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "widgetchat_valuations_completed_total",
		Help: "Valuation jobs that reached a terminal status.",
	}, []string{"status"})

	// ValuationDuration observes wall time spent scoring one valuation.
	ValuationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "widgetchat_valuation_duration_seconds",
		Help:    "Wall time spent executing one valuation job.",
		Buckets: prometheus.DefBuckets,
	})

	// StreamSessions tracks currently attached live stream subscribers.
	StreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "widgetchat_stream_sessions",
		Help: "Live stream subscribers currently attached.",
	})

	// StreamDenied counts stream attach attempts rejected at admission,
	// by deny code.
	StreamDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "widgetchat_stream_denied_total",
		Help: "Stream attach attempts rejected at admission, by code.",
	}, []string{"code"})

	// StreamDropped counts subscribers disconnected for falling behind.
	StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "widgetchat_stream_dropped_total",
		Help: "Subscribers disconnected because their buffer overflowed.",
	})

	// HTTPRequests counts API requests by route, method and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "widgetchat_http_requests_total",
		Help: "API requests served, by route, method and status class.",
	}, []string{"route", "method", "status"})
)
