package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the matchmaking broker.
//
// Naming convention: namespace_subsystem_name
// - namespace: matchmaking (application-level grouping)
// - subsystem: websocket, queue, engine, session, signal (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, queue depth, active sessions)
// - Counter: Cumulative events (matches, relayed frames, errors)
// - Histogram: Latency distributions (cycle duration)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchmaking",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// QueueDepth tracks the current number of waiters per partition
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchmaking",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of waiters per queue partition",
	}, []string{"partition"})

	// MatchesTotal counts pairs produced by the match engine
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "engine",
		Name:      "matches_total",
		Help:      "Total pairs produced by the match engine",
	})

	// MatchCycleDuration tracks the time spent inside one matching cycle
	MatchCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "matchmaking",
		Subsystem: "engine",
		Name:      "cycle_seconds",
		Help:      "Time spent inside one matching cycle",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// BotModeSignals counts start-bot-mode notices issued to long waiters
	BotModeSignals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "engine",
		Name:      "bot_mode_signals_total",
		Help:      "Total start-bot-mode notices issued",
	})

	// ActiveSessions tracks established peer pairings
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchmaking",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of established sessions (pairs)",
	})

	// PendingRoomsReaped counts pending rooms torn down by the handshake timeout
	PendingRoomsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "session",
		Name:      "pending_rooms_reaped_total",
		Help:      "Pending rooms torn down by the handshake timeout",
	})

	// SessionsEnded counts session teardowns by reason
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "session",
		Name:      "sessions_ended_total",
		Help:      "Session teardowns by reason",
	}, []string{"reason"})

	// SignalFrames counts relayed signaling frames by event and outcome
	SignalFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "signal",
		Name:      "frames_total",
		Help:      "Relayed signaling frames by event and outcome",
	}, []string{"event_type", "status"})

	// CircuitBreakerState exposes breaker state per backend (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchmaking",
		Subsystem: "backend",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "backend",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"backend"})

	// RateLimitExceeded counts rejected connects/joins per limit type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Rejected operations per rate limit type",
	}, []string{"scope", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
