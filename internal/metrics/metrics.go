package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Room metrics
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_rooms_loaded",
			Help: "Rooms currently held by the registry",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_connections_active",
			Help: "Live WebSocket sessions across all rooms",
		},
	)

	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_messages_stored_total",
			Help: "Chat messages appended to room history",
		},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_broadcast_failures_total",
			Help: "Sends to a session that failed and triggered its disconnect",
		},
	)

	RoomTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_room_transitions_total",
			Help: "Room lifecycle transitions",
		},
		[]string{"transition"}, // "hibernate", "wake", "alarm"
	)

	// Protection metrics
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_admission_rejections_total",
			Help: "Operations rejected by an admission gate",
		},
		[]string{"scope", "code"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		},
		[]string{"scope", "state"},
	)

	// Infrastructure metrics
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_persistence_errors_total",
			Help: "Failed durable store writes",
		},
		[]string{"record"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"backend", "op"},
	)
)
