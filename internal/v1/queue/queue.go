// Package queue owns the partitioned waiting queue: two sorted sets
// keyed by joinedAt plus a payload record per waiting uid. The two
// partitions are disjoint by uid at all times.
package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

var partitions = []types.Gender{types.GenderMale, types.GenderFemale}

// Store is the queue accessor. All writes happen through it.
type Store struct {
	store *store.Service
}

// New creates a queue Store backed by the shared store.
func New(s *store.Service) *Store {
	return &Store{store: s}
}

// Join admits u into the partition matching its gender. Any prior entry
// for the same uid is removed first: joining is idempotent and a user can
// never face itself through a stale record.
func (q *Store) Join(ctx context.Context, u *types.QueueUser) error {
	if !u.Gender.Valid() {
		return errors.New("queue: invalid partition gender")
	}

	if err := q.RemoveByUID(ctx, u.UID); err != nil {
		return err
	}

	if err := q.store.SetJSON(ctx, store.QueueUserKey(u.UID), u, 0); err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, store.QueueKey(u.Gender), float64(u.JoinedAt), string(u.UID)); err != nil {
		return err
	}

	q.trackDepth(ctx)
	logging.Info(ctx, "User joined queue",
		zap.String("user_id", string(u.UID)),
		zap.String("partition", string(u.Gender)),
		zap.String("mode", string(u.Mode)),
		zap.String("tier", string(u.Tier)))
	return nil
}

// RemoveByUID deletes uid from both partitions and drops its payload.
func (q *Store) RemoveByUID(ctx context.Context, uid types.UID) error {
	for _, g := range partitions {
		if err := q.store.ZRem(ctx, store.QueueKey(g), string(uid)); err != nil {
			return err
		}
	}
	if err := q.store.Del(ctx, store.QueueUserKey(uid)); err != nil {
		return err
	}
	q.trackDepth(ctx)
	return nil
}

// RemoveBySocket deletes uid from the queue only if its stored payload
// still references socketID. A stale socket closing must not evict a
// newer tab's queue entry.
func (q *Store) RemoveBySocket(ctx context.Context, uid types.UID, socketID types.SocketID) error {
	u, err := q.Get(ctx, uid)
	if err != nil {
		return err
	}
	if u == nil || u.SocketID != socketID {
		return nil
	}
	return q.RemoveByUID(ctx, uid)
}

// Range returns up to limit waiting uids from the partition, oldest
// first.
func (q *Store) Range(ctx context.Context, g types.Gender, limit int64) ([]types.UID, error) {
	members, err := q.store.ZRange(ctx, store.QueueKey(g), limit)
	if err != nil {
		return nil, err
	}
	uids := make([]types.UID, len(members))
	for i, m := range members {
		uids[i] = types.UID(m)
	}
	return uids, nil
}

// Get hydrates the payload for uid. Returns (nil, nil) when the payload
// is missing or malformed; the caller skips such entries.
func (q *Store) Get(ctx context.Context, uid types.UID) (*types.QueueUser, error) {
	var u types.QueueUser
	err := q.store.GetJSON(ctx, store.QueueUserKey(uid), &u)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		logging.Warn(ctx, "Skipping malformed queue payload",
			zap.String("user_id", string(uid)), zap.Error(err))
		return nil, nil
	}
	return &u, nil
}

// SetBotModeActive persists the bot-mode flag on uid's payload so the
// start-bot-mode notice fires at most once per queue lifetime.
func (q *Store) SetBotModeActive(ctx context.Context, uid types.UID) error {
	u, err := q.Get(ctx, uid)
	if err != nil {
		return err
	}
	if u == nil || u.BotModeActive {
		return nil
	}
	u.BotModeActive = true
	return q.store.SetJSON(ctx, store.QueueUserKey(uid), u, 0)
}

// Len returns the number of waiters in a partition.
func (q *Store) Len(ctx context.Context, g types.Gender) (int64, error) {
	return q.store.ZCard(ctx, store.QueueKey(g))
}

func (q *Store) trackDepth(ctx context.Context) {
	for _, g := range partitions {
		if n, err := q.store.ZCard(ctx, store.QueueKey(g)); err == nil {
			metrics.QueueDepth.WithLabelValues(string(g)).Set(float64(n))
		}
	}
}
