package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Reconnects       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "transport_reconnects_total", Help: "Successful transport (re)connections"})
	DroppedEmits     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "transport_dropped_emits_total", Help: "Emits dropped because the transport was disconnected"})
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "transport_events_dispatched_total", Help: "Inbound events dispatched to listeners"},
		[]string{"event"},
	)
	JoinsReplayed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "transport_joins_replayed_total", Help: "Room joins replayed after a (re)connection"})

	LocationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "locations_published_total", Help: "Location samples published"},
		[]string{"role"},
	)
	LocationsThrottled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "locations_throttled_total", Help: "Location samples suppressed by the rate gate"})

	PaymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "payment_outcomes_total", Help: "Payment handshake resolutions"},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "http_requests_total", Help: "Total HTTP requests handled by the coordination server"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_sync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "orders_created_total", Help: "Orders created"})
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "orders_expired_total", Help: "Orders expired before assignment"})
	RoomMembers   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_sync", Name: "room_members", Help: "Participants currently joined to ride rooms"})
)
