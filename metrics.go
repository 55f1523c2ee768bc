package agentdesk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event queue
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_event_queue_depth",
			Help: "Events waiting to be applied",
		},
	)

	eventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_events_applied_total",
			Help: "Total events applied",
		},
		[]string{"type"},
	)

	eventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_events_failed_total",
			Help: "Total events whose application failed",
		},
		[]string{"type"},
	)

	applyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentdesk_event_apply_duration_seconds",
			Help:    "Time spent applying one event",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// Pagination
	pageFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_page_fetches_total",
			Help: "Paginated fetches by outcome",
		},
		[]string{"outcome"}, // "ok", "error" or "stale"
	)

	// Local view
	listSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_conversations_listed",
			Help: "Conversations in the filtered list",
		},
	)

	backupSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_conversations_shadowed",
			Help: "Conversations held in the backup store",
		},
	)

	// Transport
	transportMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_transport_messages_total",
			Help: "Inbound transport messages by source and type",
		},
		[]string{"source", "type"},
	)

	transportReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_transport_reconnects_total",
			Help: "Reconnect attempts by transport",
		},
		[]string{"source"},
	)
)
