// Package registry owns the socket binding table: socketId <-> uid with
// the rule that one uid has one active socketId and the newest binding
// wins. It is the single authority other components use to resolve a
// user's current socket.
package registry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// Registry maintains the bidirectional socket binding and online set.
type Registry struct {
	store *store.Service
}

// New creates a Registry backed by the shared store.
func New(s *store.Service) *Registry {
	return &Registry{store: s}
}

// Register writes both binding directions. If the uid already had a
// socket, the reverse binding is overwritten: the older connection is
// logically abandoned but not forcibly closed. Guests and bots are kept
// out of the online set.
func (r *Registry) Register(ctx context.Context, socketID types.SocketID, uid types.UID) error {
	if err := r.store.SetString(ctx, store.SocketUIDKey(socketID), string(uid), store.SocketBindingTTL); err != nil {
		return err
	}
	if err := r.store.SetString(ctx, store.UserSocketKey(uid), string(socketID), store.SocketBindingTTL); err != nil {
		return err
	}

	if !uid.IsGuest() && !uid.IsBot() {
		if err := r.store.SetAdd(ctx, store.OnlineUsersKey, string(uid)); err != nil {
			logging.Warn(ctx, "Failed to add user to online set", zap.Error(err))
		}
	}

	logging.Debug(ctx, "Socket registered",
		zap.String("socket_id", string(socketID)), zap.String("user_id", string(uid)))
	return nil
}

// Lookup resolves a uid to its current socket id.
func (r *Registry) Lookup(ctx context.Context, uid types.UID) (types.SocketID, bool, error) {
	sid, err := r.store.GetString(ctx, store.UserSocketKey(uid))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return types.SocketID(sid), true, nil
}

// LookupUID resolves a socket id to the uid bound to it.
func (r *Registry) LookupUID(ctx context.Context, socketID types.SocketID) (types.UID, bool, error) {
	uid, err := r.store.GetString(ctx, store.SocketUIDKey(socketID))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return types.UID(uid), true, nil
}

// Unregister drops the forward binding. The reverse binding is dropped
// only while it still points at the departing socket: a newer tab must
// not be evicted by an older tab closing.
func (r *Registry) Unregister(ctx context.Context, socketID types.SocketID) error {
	uid, bound, err := r.LookupUID(ctx, socketID)
	if err != nil {
		return err
	}

	if err := r.store.Del(ctx, store.SocketUIDKey(socketID)); err != nil {
		return err
	}

	if !bound {
		return nil
	}

	current, err := r.store.GetString(ctx, store.UserSocketKey(uid))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if current != string(socketID) {
		// A newer tab already superseded this socket.
		return nil
	}

	if err := r.store.Del(ctx, store.UserSocketKey(uid)); err != nil {
		return err
	}
	if !uid.IsGuest() && !uid.IsBot() {
		if err := r.store.SetRem(ctx, store.OnlineUsersKey, string(uid)); err != nil {
			logging.Warn(ctx, "Failed to remove user from online set", zap.Error(err))
		}
	}

	logging.Debug(ctx, "Socket unregistered",
		zap.String("socket_id", string(socketID)), zap.String("user_id", string(uid)))
	return nil
}

// OnlineUsers returns the set of currently online (non-guest) uids.
func (r *Registry) OnlineUsers(ctx context.Context) ([]types.UID, error) {
	members, err := r.store.SetMembers(ctx, store.OnlineUsersKey)
	if err != nil {
		return nil, err
	}
	uids := make([]types.UID, len(members))
	for i, m := range members {
		uids[i] = types.UID(m)
	}
	return uids, nil
}
