// Package banlist owns the time-bounded deny list gating queue admission.
// Entries expire naturally; an expired entry is treated as absent on read
// even before the store reaps it. Guests bypass uid-keyed bans.
package banlist

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// Permanent is the RemainingTime result for an indefinite ban.
const Permanent = int64(-1)

// Gate is the ban check in front of the waiting queue.
type Gate struct {
	store *store.Service
	clock clock.PassiveClock
}

// New creates a Gate backed by the shared store.
func New(s *store.Service) *Gate {
	return &Gate{store: s, clock: clock.RealClock{}}
}

// NewWithClock creates a Gate with an injected clock for tests.
func NewWithClock(s *store.Service, c clock.PassiveClock) *Gate {
	return &Gate{store: s, clock: c}
}

// Ban records a ban for uid. durationMinutes <= 0 makes it indefinite;
// otherwise the entry carries a matching TTL.
func (g *Gate) Ban(ctx context.Context, uid types.UID, reason string, durationMinutes int) error {
	now := g.clock.Now()
	entry := types.BanEntry{
		UID:      uid,
		Reason:   reason,
		BannedAt: now.UnixMilli(),
	}

	var ttl time.Duration
	if durationMinutes > 0 {
		ttl = time.Duration(durationMinutes) * time.Minute
		entry.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	if err := g.store.SetJSON(ctx, store.BanKey(uid), entry, ttl); err != nil {
		return err
	}

	logging.Info(ctx, "User banned",
		zap.String("user_id", string(uid)),
		zap.String("reason", reason),
		zap.Int("duration_minutes", durationMinutes))
	return nil
}

// Unban removes any ban for uid.
func (g *Gate) Unban(ctx context.Context, uid types.UID) error {
	if err := g.store.Del(ctx, store.BanKey(uid)); err != nil {
		return err
	}
	logging.Info(ctx, "User unbanned", zap.String("user_id", string(uid)))
	return nil
}

// Lookup returns the active ban entry for uid, or nil when the user is
// not banned. Guests are never banned by uid.
func (g *Gate) Lookup(ctx context.Context, uid types.UID) (*types.BanEntry, error) {
	if uid.IsGuest() {
		return nil, nil
	}

	var entry types.BanEntry
	err := g.store.GetJSON(ctx, store.BanKey(uid), &entry)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if entry.ExpiresAt > 0 && g.clock.Now().UnixMilli() >= entry.ExpiresAt {
		// Expired but not yet reaped.
		return nil, nil
	}
	return &entry, nil
}

// IsBanned reports whether uid currently has an active ban.
func (g *Gate) IsBanned(ctx context.Context, uid types.UID) (bool, error) {
	entry, err := g.Lookup(ctx, uid)
	return entry != nil, err
}

// RemainingTime returns the remaining ban duration in milliseconds:
// > 0 for an active timed ban, Permanent for an indefinite one, and 0
// when the user is not banned.
func (g *Gate) RemainingTime(ctx context.Context, uid types.UID) (int64, error) {
	entry, err := g.Lookup(ctx, uid)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, nil
	}
	if entry.ExpiresAt == 0 {
		return Permanent, nil
	}
	return entry.ExpiresAt - g.clock.Now().UnixMilli(), nil
}
