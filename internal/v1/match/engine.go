// Package match runs the periodic matching cycle. Every replica ticks,
// but a short Redis lease elects one leader per tick; the rest skip the
// cycle. Within a cycle candidates are scanned oldest first and paired on
// reciprocal, progressively widened preferences.
package match

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/queue"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

const (
	// TickInterval is the matching cadence.
	TickInterval = 2 * time.Second

	// batchSize caps how many waiters per partition one cycle considers.
	batchSize = 100

	// Widening thresholds. A waiter crosses into a stage strictly after
	// the threshold, never at it.
	stage1After = 5 * time.Second
	stage2After = 10 * time.Second

	// botModeAfter is when a still-unmatched waiter is offered bot play.
	botModeAfter = 30 * time.Second
)

// Pairer executes a candidate pairing. Satisfied by the session registry.
type Pairer interface {
	ExecuteMatch(ctx context.Context, a, b *types.QueueUser) error
}

// SocketResolver resolves a uid's current socket for the bot-mode nudge.
type SocketResolver interface {
	Lookup(ctx context.Context, uid types.UID) (types.SocketID, bool, error)
}

// Engine drives matching cycles against the queue.
type Engine struct {
	store   *store.Service
	queue   *queue.Store
	pairer  Pairer
	sockets SocketResolver
	emitter types.Emitter
	clock   clock.WithTicker
	replica string
}

// New wires a match Engine. The replica id scopes lease log lines.
func New(s *store.Service, q *queue.Store, p Pairer, r SocketResolver, e types.Emitter) *Engine {
	return &Engine{
		store: s, queue: q, pairer: p, sockets: r, emitter: e,
		clock: clock.RealClock{}, replica: uuid.NewString()[:8],
	}
}

// NewWithClock is New with an injected clock for tests.
func NewWithClock(s *store.Service, q *queue.Store, p Pairer, r SocketResolver, e types.Emitter, c clock.WithTicker) *Engine {
	eng := New(s, q, p, r, e)
	eng.clock = c
	return eng
}

// Run ticks the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	logging.Info(ctx, "Match engine started", zap.String("replica", e.replica))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := e.RunCycle(ctx); err != nil {
				logging.Warn(ctx, "Match cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle attempts one leader-elected matching pass. Losing the lease is
// not an error; another replica is running this tick.
func (e *Engine) RunCycle(ctx context.Context) error {
	token := uuid.NewString()
	acquired, err := e.store.AcquireLease(ctx, store.MatchLockKey, token, store.MatchLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := e.store.ReleaseLease(ctx, store.MatchLockKey, token); err != nil {
			logging.Warn(ctx, "Failed to release match lease", zap.Error(err))
		}
	}()

	start := e.clock.Now()
	defer func() {
		metrics.MatchCycleDuration.Observe(e.clock.Since(start).Seconds())
	}()

	candidates, err := e.collect(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	now := e.clock.Now().UnixMilli()
	e.nudgeBotMode(ctx, candidates, now)

	matched := make(map[types.UID]bool, len(candidates))
	for i, a := range candidates {
		if matched[a.UID] {
			continue
		}
		for _, b := range candidates[i+1:] {
			if matched[b.UID] {
				continue
			}
			if !eligible(a, b, now) {
				continue
			}
			matched[a.UID], matched[b.UID] = true, true
			if err := e.pairer.ExecuteMatch(ctx, a, b); err != nil {
				logging.Error(ctx, "Failed to execute match",
					zap.String("player_a", string(a.UID)),
					zap.String("player_b", string(b.UID)),
					zap.Error(err))
			}
			break
		}
	}
	return nil
}

// collect hydrates up to batchSize waiters per partition, merged and
// sorted by joinedAt ascending. Entries with missing payloads are skipped.
func (e *Engine) collect(ctx context.Context) ([]*types.QueueUser, error) {
	var users []*types.QueueUser
	for _, g := range []types.Gender{types.GenderMale, types.GenderFemale} {
		uids, err := e.queue.Range(ctx, g, batchSize)
		if err != nil {
			return nil, err
		}
		for _, uid := range uids {
			u, err := e.queue.Get(ctx, uid)
			if err != nil {
				return nil, err
			}
			if u != nil {
				users = append(users, u)
			}
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].JoinedAt < users[j].JoinedAt })
	return users, nil
}

// nudgeBotMode tells waiters past the bot threshold, exactly once per
// queue lifetime, that bot play is available. They remain queued.
func (e *Engine) nudgeBotMode(ctx context.Context, candidates []*types.QueueUser, now int64) {
	for _, u := range candidates {
		if u.BotModeActive || now-u.JoinedAt <= botModeAfter.Milliseconds() {
			continue
		}

		// The flag is persisted only once the notice actually left, so a
		// transient lookup or delivery failure retries next cycle. The
		// serialized cycle keeps the signal at-most-once.
		sid, ok, err := e.sockets.Lookup(ctx, u.UID)
		if err != nil || !ok {
			continue
		}
		if err := e.emitter.Emit(ctx, sid, types.EventStartBotMode,
			map[string]any{"reason": "timeout_waiting", "waitedMs": now - u.JoinedAt}); err != nil {
			continue
		}
		if err := e.queue.SetBotModeActive(ctx, u.UID); err != nil {
			logging.Warn(ctx, "Failed to flag bot mode", zap.String("user_id", string(u.UID)), zap.Error(err))
		}
		u.BotModeActive = true
		metrics.BotModeSignals.Inc()
	}
}

// widenStage returns how far a waiter's preferences have relaxed. Diamond
// members never reach stage 2: their gender preference is a guarantee.
func widenStage(u *types.QueueUser, now int64) int {
	waited := now - u.JoinedAt
	if waited > stage2After.Milliseconds() && u.Tier != types.TierDiamond {
		return 2
	}
	if waited > stage1After.Milliseconds() {
		return 1
	}
	return 0
}

// target returns the partition u is willing to face at its current stage:
// an explicit gender preference holds until stage 2 widens it away, an
// unset preference defaults to the opposite partition.
func target(u *types.QueueUser, stage int) types.Gender {
	if u.Preferences.Gender.Valid() && stage < 2 {
		return u.Preferences.Gender
	}
	if stage < 2 {
		return u.Gender.Opposite()
	}
	return types.GenderAny
}

// eligible reports whether a and b can be paired right now. Every check
// is reciprocal and mode is never widened.
func eligible(a, b *types.QueueUser, now int64) bool {
	if a.UID == b.UID || a.Mode != b.Mode {
		return false
	}

	stageA, stageB := widenStage(a, now), widenStage(b, now)

	if t := target(a, stageA); t != types.GenderAny && t != b.Gender {
		return false
	}
	if t := target(b, stageB); t != types.GenderAny && t != a.Gender {
		return false
	}

	// Location is the first preference to go: it only binds at stage 0.
	if stageA == 0 && a.Preferences.Location != "" && a.Preferences.Location != b.Location {
		return false
	}
	if stageB == 0 && b.Preferences.Location != "" && b.Preferences.Location != a.Location {
		return false
	}
	return true
}
