package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: signaling (application-level grouping)
// - subsystem: websocket, room, bridge (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, clients)
// - Counter: cumulative events (signals routed, cache drops, publishes)

var (
	// ActiveConnections tracks the current number of open WebSocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomClients tracks the number of client records per room.
	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "clients_count",
		Help:      "Number of client records in each room",
	}, []string{"room_id"})

	// SignalsRouted counts envelopes processed by the fan-out router,
	// partitioned by type and whether they originated locally or on the bus.
	SignalsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "signals_total",
		Help:      "Total signal envelopes routed",
	}, []string{"type", "origin"})

	// CachedEnvelopes counts deliveries buffered into a grace-period cache.
	CachedEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "cached_envelopes_total",
		Help:      "Total envelopes buffered for disconnected clients",
	})

	// CacheDropped counts envelopes evicted from a full message cache.
	CacheDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "cache_dropped_total",
		Help:      "Total envelopes dropped from full message caches",
	})

	// BridgePublishes counts publish attempts on the distribution bridge.
	BridgePublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "bridge",
		Name:      "publishes_total",
		Help:      "Total distribution bridge publishes",
	}, []string{"status"})

	// BridgeBreakerState exposes the bridge circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	BridgeBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "bridge",
		Name:      "breaker_state",
		Help:      "Circuit breaker state of the bridge backend",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
