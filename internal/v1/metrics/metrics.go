package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomkit (application-level grouping)
// - subsystem: websocket, room, sync, world, transfer (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, users, shards)
// - Counter: Cumulative events (actions dispatched, flushes, placements)
// - Histogram: Latency distributions (action processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomkit",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of instantiated rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomkit",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomUsers tracks the number of users in each room
	RoomUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomkit",
		Subsystem: "room",
		Name:      "users_count",
		Help:      "Number of users in each room",
	}, []string{"room_id"})

	// ActionsTotal tracks dispatched actions by name and outcome
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomkit",
		Subsystem: "room",
		Name:      "actions_total",
		Help:      "Total actions dispatched",
	}, []string{"action", "status"})

	// ActionDuration tracks the time spent executing action handlers
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomkit",
		Subsystem: "room",
		Name:      "action_duration_seconds",
		Help:      "Time spent executing action handlers",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"action"})

	// SyncFlushesTotal counts sync cache flushes
	SyncFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomkit",
		Subsystem: "sync",
		Name:      "flushes_total",
		Help:      "Total sync cache flushes broadcast to clients",
	})

	// SyncPathsFlushed counts individual dotted paths carried by sync flushes
	SyncPathsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomkit",
		Subsystem: "sync",
		Name:      "paths_flushed_total",
		Help:      "Total dotted paths carried by sync flushes",
	})

	// PersistFlushesTotal counts persist cache flushes to the KV store
	PersistFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomkit",
		Subsystem: "sync",
		Name:      "persist_flushes_total",
		Help:      "Total persist cache flushes written to storage",
	})

	// RegisteredShards tracks shards in the world catalog by status
	RegisteredShards = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomkit",
		Subsystem: "world",
		Name:      "shards_registered",
		Help:      "Shards currently registered in the world catalog",
	}, []string{"status"})

	// PlacementsTotal counts shard placements by balancing strategy
	PlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomkit",
		Subsystem: "world",
		Name:      "placements_total",
		Help:      "Total connection placements by strategy",
	}, []string{"strategy"})

	// TransfersTotal counts session transfer operations by phase and outcome
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomkit",
		Subsystem: "transfer",
		Name:      "operations_total",
		Help:      "Total session transfer operations",
	}, []string{"phase", "status"})

	// CircuitBreakerState tracks circuit breaker states (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomkit",
		Subsystem: "storage",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
