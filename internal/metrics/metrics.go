package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backend HTTP calls
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpweb_backend_requests_total",
			Help: "Backend HTTP requests by service, method and status code",
		},
		[]string{"service", "method", "status"},
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpweb_backend_request_duration_seconds",
			Help:    "Backend HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wpweb_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpweb_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Realtime
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpweb_realtime_events_total",
			Help: "Realtime change events received per table and type",
		},
		[]string{"table", "type"},
	)

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpweb_realtime_reconnects_total",
			Help: "Realtime websocket reconnect attempts",
		},
	)

	RealtimeChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpweb_realtime_channels",
			Help: "Currently joined realtime channels",
		},
	)

	// Chat store
	StoreChats = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpweb_store_chats",
			Help: "Chats held by the synchronization store",
		},
	)

	StoreMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpweb_store_messages",
			Help: "Messages held for the selected chat",
		},
	)

	StaleResultsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpweb_store_stale_results_total",
			Help: "Fetch results or push events discarded for a superseded session or selection",
		},
		[]string{"source"},
	)

	// Sends
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpweb_messages_sent_total",
			Help: "Messages sent by outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveBackend records one backend HTTP call. status 0 means a transport error.
func ObserveBackend(service, method string, status int, start time.Time) {
	BackendRequests.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	BackendRequestDuration.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
}
