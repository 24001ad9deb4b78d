package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_connections_registered_total",
			Help: "Total transport connections registered",
		},
	)

	ConnectionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskline_connections_evicted_total",
			Help: "Total connections evicted",
		},
		[]string{"reason"}, // "disconnect" or "timeout"
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskline_live_connections",
			Help: "Currently registered transport connections",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskline_online_users",
			Help: "Users with at least one live connection",
		},
	)

	// Session metrics
	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_sessions_opened_total",
			Help: "Total support sessions opened",
		},
	)

	SessionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_sessions_accepted_total",
			Help: "Total pending sessions accepted by an agent",
		},
	)

	SessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_sessions_closed_total",
			Help: "Total sessions closed",
		},
	)

	AcceptConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_accept_conflicts_total",
			Help: "Accept attempts that lost the pending->active race",
		},
	)

	// Delivery metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskline_messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"type"}, // text, image, file
	)

	MessagesRecalled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_messages_recalled_total",
			Help: "Total messages recalled",
		},
	)

	MessagesEdited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_messages_edited_total",
			Help: "Total messages edited",
		},
	)

	PushesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_pushes_delivered_total",
			Help: "Pushes handed to a live connection",
		},
	)

	PushesDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_pushes_deferred_total",
			Help: "Pushes deferred to offline replay",
		},
	)

	ReplayedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskline_replayed_messages_total",
			Help: "Messages replayed on reconnect",
		},
	)

	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskline_send_latency_seconds",
			Help:    "send_message persistence plus fan-out latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskline_store_latency_seconds",
			Help:    "Backing store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)

	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskline_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskline_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"event"},
	)
)
