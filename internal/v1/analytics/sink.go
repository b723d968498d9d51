// Package analytics records match lifecycle events for offline analysis.
// The sink writes structured log lines and bumps the Prometheus
// counters; it is fire-and-forget and never blocks the calling path.
package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// Sink emits match lifecycle records.
type Sink struct {
	logger *zap.Logger
}

// New creates a Sink writing through the process logger.
func New() *Sink {
	return &Sink{logger: logging.GetLogger().Named("analytics")}
}

// MatchStarted records a successful pairing and how long each side waited.
func (s *Sink) MatchStarted(ctx context.Context, roomID types.RoomID, a, b *types.QueueUser, now int64) {
	metrics.MatchesTotal.Inc()
	s.logger.Info("match_started",
		zap.String("room_id", string(roomID)),
		zap.String("player_a", string(a.UID)),
		zap.String("player_b", string(b.UID)),
		zap.String("mode", string(a.Mode)),
		zap.Int64("a_waited_ms", now-a.JoinedAt),
		zap.Int64("b_waited_ms", now-b.JoinedAt))
}

// MatchEnded records a session teardown with its reason and duration.
func (s *Sink) MatchEnded(ctx context.Context, roomID types.RoomID, reason string, startTime int64) {
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	duration := time.Now().UnixMilli() - startTime
	s.logger.Info("match_ended",
		zap.String("room_id", string(roomID)),
		zap.String("reason", reason),
		zap.Int64("duration_ms", duration))
}
