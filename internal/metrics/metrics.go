package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	HTTPPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_http_panics_total",
			Help: "Handler panics recovered into a 500",
		},
		[]string{"method", "path"},
	)

	// Push hub
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convsync_ws_connections",
			Help: "Open push channel connections",
		},
	)

	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_ws_events_total",
			Help: "Inbound push channel events by type",
		},
		[]string{"type"},
	)

	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_messages_persisted_total",
			Help: "Messages written to the store",
		},
		[]string{"result"}, // "created" or "duplicate"
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Sync client
	SendsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_client_sends_failed_total",
			Help: "Outbound messages that ended in failed status",
		},
		[]string{"reason"}, // "timeout" or "rejected"
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_client_reconnects_total",
			Help: "Push channel reconnect attempts",
		},
	)

	Resyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_client_resyncs_total",
			Help: "History resyncs triggered by reconnects",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_client_auth_failures_total",
			Help: "Push channel authentication rejections",
		},
	)

	PreviewFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_client_preview_fetch_errors_total",
			Help: "Conversation preview fetches that failed",
		},
	)
)
