package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the watch-party server.
//
// Naming convention: namespace_subsystem_name
// - namespace: watchparty (application-level grouping)
// - subsystem: websocket, room, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, seats)
// - Counter: Cumulative events (packets processed, drops)
// - Histogram: Latency distributions (packet processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomOccupancy tracks the number of connected users in each room
	RoomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "occupancy_count",
		Help:      "Number of connected users in each room",
	}, []string{"room_id"})

	// PacketsProcessed tracks the total number of control packets processed
	PacketsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "websocket",
		Name:      "packets_total",
		Help:      "Total control packets processed",
	}, []string{"packet_type", "status"})

	// BroadcastDrops counts frames dropped because a subscriber fell behind
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "broadcast_drops_total",
		Help:      "Frames dropped due to lagging broadcast subscribers",
	})

	// PacketProcessingDuration tracks the time spent processing control packets
	PacketProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchparty",
		Subsystem: "websocket",
		Name:      "packet_processing_seconds",
		Help:      "Time spent processing control packets",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"packet_type"})

	// RateLimitRequests counts requests that passed rate limiting
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "http",
		Name:      "rate_limit_requests_total",
		Help:      "Requests evaluated by the rate limiter",
	}, []string{"path"})

	// RateLimitExceeded counts requests rejected by rate limiting
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"path", "limit_type"})

	// CircuitBreakerState reports the state of named circuit breakers (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts requests rejected by an open circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"name"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
