// Package session drives the post-match lifecycle: a PendingRoom created
// by the engine either finalizes into a pair of session entries once its
// expected services report stable, or dies by skip, disconnect, or the
// handshake reaper.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/pairplay/matchmaking/internal/v1/analytics"
	"github.com/pairplay/matchmaking/internal/v1/ice"
	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// HandshakeTimeout is how long a pending room may wait for its services
// to report stable before the reaper abandons it.
const HandshakeTimeout = 30 * time.Second

// reapInterval is how often the reaper scans for expired pending rooms.
const reapInterval = 30 * time.Second

// Requeuer re-admits a match survivor to the waiting queue, preserving
// its original joinedAt so the wait clock keeps running.
type Requeuer interface {
	Join(ctx context.Context, u *types.QueueUser) error
	RemoveByUID(ctx context.Context, uid types.UID) error
}

// MatchFoundPayload is the frame announcing a pairing to one side. The
// opponent's socket id is the binding current at emit time, and the ICE
// configuration is minted fresh for the receiving user.
type MatchFoundPayload struct {
	RoomID           types.RoomID   `json:"roomId"`
	OpponentUID      types.UID      `json:"opponentUid"`
	OpponentSocketID types.SocketID `json:"opponentId"`
	Role             types.Role     `json:"role"`
	Mode             types.Mode     `json:"mode"`
	Initiator        bool           `json:"isInitiator"`
	IceServers       ice.Config     `json:"iceServers"`
	Reconnection     bool           `json:"isReconnection,omitempty"`
}

// Registry owns pending rooms and active session entries.
type Registry struct {
	store   *store.Service
	queue   Requeuer
	emitter types.Emitter
	sockets SocketResolver
	minter  IceProvider
	stats   StatsRecorder
	sink    *analytics.Sink
	clock   clock.PassiveClock
}

// SocketResolver resolves a uid to its current socket binding. Satisfied
// by the socket registry.
type SocketResolver interface {
	Lookup(ctx context.Context, uid types.UID) (types.SocketID, bool, error)
}

// IceProvider mints the per-user ICE configuration carried on match_found
// frames. Satisfied by the ice minter.
type IceProvider interface {
	ConfigFor(ctx context.Context, uid types.UID) ice.Config
}

// StatsRecorder accrues per-user counters on the profile backend.
// Satisfied by the profile client; failures never block the lifecycle.
type StatsRecorder interface {
	IncrementStat(ctx context.Context, uid types.UID, stat string) error
}

// New wires a session Registry.
func New(s *store.Service, q Requeuer, e types.Emitter, r SocketResolver, m IceProvider, stats StatsRecorder, sink *analytics.Sink) *Registry {
	return NewWithClock(s, q, e, r, m, stats, sink, clock.RealClock{})
}

// NewWithClock is New with an injected clock for tests.
func NewWithClock(s *store.Service, q Requeuer, e types.Emitter, r SocketResolver, m IceProvider, stats StatsRecorder, sink *analytics.Sink, c clock.PassiveClock) *Registry {
	return &Registry{store: s, queue: q, emitter: e, sockets: r, minter: m, stats: stats, sink: sink, clock: c}
}

// ExecuteMatch turns a candidate pair into a pending room. Both sockets
// are re-checked against the registry first; if one side vanished, the
// survivor is put back with its original joinedAt and told no match was
// found yet.
func (r *Registry) ExecuteMatch(ctx context.Context, a, b *types.QueueUser) error {
	now := r.clock.Now().UnixMilli()

	sidA, okA, err := r.sockets.Lookup(ctx, a.UID)
	if err != nil {
		return err
	}
	sidB, okB, err := r.sockets.Lookup(ctx, b.UID)
	if err != nil {
		return err
	}

	if !okA || !okB {
		return r.abortMatch(ctx, a, okA, b, okB, now)
	}

	// Authoritative bindings win over the socket ids captured at join time.
	a.SocketID, b.SocketID = sidA, sidB

	if err := r.queue.RemoveByUID(ctx, a.UID); err != nil {
		return err
	}
	if err := r.queue.RemoveByUID(ctx, b.UID); err != nil {
		return err
	}

	// Room ids order by creation time, with a random tail for uniqueness.
	room := &types.PendingRoom{
		RoomID:           types.RoomID(fmt.Sprintf("%d-%s", now, uuid.NewString())),
		PlayerA:          types.PlayerRef{UID: a.UID, SocketID: a.SocketID},
		PlayerB:          types.PlayerRef{UID: b.UID, SocketID: b.SocketID},
		Mode:             a.Mode,
		ExpectedServices: types.ExpectedServices(a.Mode),
		Ready:            map[types.Service]bool{},
		CreatedAt:        now,
	}

	if err := r.store.SetJSON(ctx, store.RoomKey(room.RoomID), room, store.PendingRoomTTL); err != nil {
		return err
	}

	r.sink.MatchStarted(ctx, room.RoomID, a, b, now)
	logging.Info(ctx, "Match executed",
		zap.String("room_id", string(room.RoomID)),
		zap.String("player_a", string(a.UID)),
		zap.String("player_b", string(b.UID)),
		zap.String("mode", string(room.Mode)))

	r.notifyMatchFound(ctx, room, room.PlayerA)
	r.notifyMatchFound(ctx, room, room.PlayerB)
	return nil
}

func (r *Registry) matchFoundFor(ctx context.Context, room *types.PendingRoom, uid types.UID) MatchFoundPayload {
	role := room.RoleOf(uid)
	peer := room.Peer(uid)
	return MatchFoundPayload{
		RoomID:           room.RoomID,
		OpponentUID:      peer.UID,
		OpponentSocketID: peer.SocketID,
		Role:             role,
		Mode:             room.Mode,
		Initiator:        role == types.RoleA,
		IceServers:       r.minter.ConfigFor(ctx, uid),
	}
}

func (r *Registry) notifyMatchFound(ctx context.Context, room *types.PendingRoom, p types.PlayerRef) {
	payload := r.matchFoundFor(ctx, room, p.UID)
	if err := r.emitter.Emit(ctx, p.SocketID, types.EventMatchFound, payload); err != nil {
		logging.Warn(ctx, "Failed to deliver match_found",
			zap.String("user_id", string(p.UID)), zap.Error(err))
	}
}

// abortMatch handles the one-side-offline race: the offline side is
// dropped, the survivor goes back to the queue at its original position.
func (r *Registry) abortMatch(ctx context.Context, a *types.QueueUser, okA bool, b *types.QueueUser, okB bool, now int64) error {
	offline, survivor := a, b
	survivorOnline := okB
	if okA {
		offline, survivor = b, a
		survivorOnline = okA
	}

	if err := r.queue.RemoveByUID(ctx, offline.UID); err != nil {
		return err
	}

	logging.Warn(ctx, "Match aborted, opponent offline",
		zap.String("offline", string(offline.UID)),
		zap.String("survivor", string(survivor.UID)))

	if !survivorOnline {
		return r.queue.RemoveByUID(ctx, survivor.UID)
	}

	if err := r.queue.Join(ctx, survivor); err != nil {
		return err
	}
	sid, ok, err := r.sockets.Lookup(ctx, survivor.UID)
	if err != nil || !ok {
		return err
	}
	return r.emitter.Emit(ctx, sid, types.EventNoMatchFound, map[string]any{
		"reason":   "opponent_unavailable",
		"waitedMs": now - survivor.JoinedAt,
	})
}

// HandleConnectionStable marks service ready on uid's pending room and
// finalizes the room once every expected service has reported. A report
// from either side counts for the whole service.
func (r *Registry) HandleConnectionStable(ctx context.Context, uid types.UID, svc types.Service) error {
	room, err := r.roomOf(ctx, uid)
	if err != nil || room == nil {
		return err
	}
	if !room.Expects(svc) {
		return nil
	}
	if room.Ready[svc] {
		return nil
	}

	room.Ready[svc] = true
	if !room.AllReady() {
		return r.store.SetJSON(ctx, store.RoomKey(room.RoomID), room, store.PendingRoomTTL)
	}
	return r.finalize(ctx, room)
}

// finalize promotes a pending room: both session entries are written
// before either side hears session_established, so a signal arriving
// immediately after can already resolve its opponent.
func (r *Registry) finalize(ctx context.Context, room *types.PendingRoom) error {
	now := r.clock.Now().UnixMilli()

	entryA := types.SessionEntry{RoomID: room.RoomID, OpponentUID: room.PlayerB.UID, Role: types.RoleA, Mode: room.Mode, StartTime: now}
	entryB := types.SessionEntry{RoomID: room.RoomID, OpponentUID: room.PlayerA.UID, Role: types.RoleB, Mode: room.Mode, StartTime: now}

	if err := r.store.SetJSON(ctx, store.SessionKey(room.PlayerA.UID), entryA, 0); err != nil {
		return err
	}
	if err := r.store.SetJSON(ctx, store.SessionKey(room.PlayerB.UID), entryB, 0); err != nil {
		return err
	}
	if err := r.store.Del(ctx, store.RoomKey(room.RoomID)); err != nil {
		return err
	}

	metrics.ActiveSessions.Add(2)
	_ = r.stats.IncrementStat(ctx, room.PlayerA.UID, "matches_started")
	_ = r.stats.IncrementStat(ctx, room.PlayerB.UID, "matches_started")
	logging.Info(ctx, "Session established",
		zap.String("room_id", string(room.RoomID)),
		zap.String("player_a", string(room.PlayerA.UID)),
		zap.String("player_b", string(room.PlayerB.UID)))

	payload := map[string]any{"roomId": room.RoomID, "mode": room.Mode}
	r.emitTo(ctx, room.PlayerA.UID, types.EventSessionEstablished, payload)
	r.emitTo(ctx, room.PlayerB.UID, types.EventSessionEstablished, payload)
	return nil
}

// Lookup returns uid's active session entry, or nil when none exists.
func (r *Registry) Lookup(ctx context.Context, uid types.UID) (*types.SessionEntry, error) {
	var entry types.SessionEntry
	err := r.store.GetJSON(ctx, store.SessionKey(uid), &entry)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// OpponentUID resolves uid's current opponent, or "" when not in session.
func (r *Registry) OpponentUID(ctx context.Context, uid types.UID) (types.UID, error) {
	entry, err := r.Lookup(ctx, uid)
	if err != nil || entry == nil {
		return "", err
	}
	return entry.OpponentUID, nil
}

// HandleSkip tears down uid's session at its request and notifies both
// sides. Skipping without a session is a no-op.
func (r *Registry) HandleSkip(ctx context.Context, uid types.UID) error {
	entry, err := r.Lookup(ctx, uid)
	if err != nil {
		return err
	}
	if entry == nil {
		return r.abandonPendingRoom(ctx, uid, "skip")
	}

	if err := r.teardown(ctx, uid, entry, "skip"); err != nil {
		return err
	}

	payload := map[string]any{"roomId": entry.RoomID, "by": uid}
	r.emitTo(ctx, uid, types.EventMatchSkipped, payload)
	r.emitTo(ctx, entry.OpponentUID, types.EventMatchSkipped, payload)
	return nil
}

// TeardownForDisconnect ends uid's session because its socket went away
// for good. The opponent is told the match was skipped.
func (r *Registry) TeardownForDisconnect(ctx context.Context, uid types.UID) error {
	entry, err := r.Lookup(ctx, uid)
	if err != nil {
		return err
	}
	if entry == nil {
		return r.abandonPendingRoom(ctx, uid, "disconnect")
	}

	if err := r.teardown(ctx, uid, entry, "disconnect"); err != nil {
		return err
	}
	r.emitTo(ctx, entry.OpponentUID, types.EventMatchSkipped,
		map[string]any{"roomId": entry.RoomID, "by": uid, "reason": "disconnect"})
	return nil
}

// teardown removes both session entries in one round trip so no window
// exists where only one side believes it is in a session.
func (r *Registry) teardown(ctx context.Context, uid types.UID, entry *types.SessionEntry, reason string) error {
	if err := r.store.Del(ctx, store.SessionKey(uid), store.SessionKey(entry.OpponentUID)); err != nil {
		return err
	}
	metrics.ActiveSessions.Add(-2)
	_ = r.stats.IncrementStat(ctx, uid, "matches_completed")
	_ = r.stats.IncrementStat(ctx, entry.OpponentUID, "matches_completed")
	r.sink.MatchEnded(ctx, entry.RoomID, reason, entry.StartTime)
	logging.Info(ctx, "Session torn down",
		zap.String("room_id", string(entry.RoomID)),
		zap.String("user_id", string(uid)),
		zap.String("reason", reason))
	return nil
}

// abandonPendingRoom destroys an unfinalized room uid belongs to and
// tells the peer the match fell through.
func (r *Registry) abandonPendingRoom(ctx context.Context, uid types.UID, reason string) error {
	room, err := r.roomOf(ctx, uid)
	if err != nil || room == nil {
		return err
	}

	if err := r.store.Del(ctx, store.RoomKey(room.RoomID)); err != nil {
		return err
	}
	peer := room.Peer(uid)
	r.emitTo(ctx, peer.UID, types.EventMatchError, map[string]any{
		"roomId":  room.RoomID,
		"reason":  reason,
		"message": "opponent left before the match was established",
	})
	logging.Info(ctx, "Pending room abandoned",
		zap.String("room_id", string(room.RoomID)),
		zap.String("user_id", string(uid)),
		zap.String("reason", reason))
	return nil
}

// HandleReconnection re-hands uid its pairing after a socket change. An
// active session re-emits match_found with isReconnection set and the
// opponent's binding resolved fresh; a pending room gets the new socket
// written back and its match_found replayed. The opponent learns the
// rejoiner's new socket either way.
func (r *Registry) HandleReconnection(ctx context.Context, uid types.UID, newSocket types.SocketID) error {
	entry, err := r.Lookup(ctx, uid)
	if err != nil {
		return err
	}
	if entry != nil {
		payload := MatchFoundPayload{
			RoomID:       entry.RoomID,
			OpponentUID:  entry.OpponentUID,
			Role:         entry.Role,
			Mode:         entry.Mode,
			Initiator:    entry.Role == types.RoleA,
			IceServers:   r.minter.ConfigFor(ctx, uid),
			Reconnection: true,
		}
		if sid, ok, err := r.sockets.Lookup(ctx, entry.OpponentUID); err != nil {
			return err
		} else if ok {
			payload.OpponentSocketID = sid
		}
		if err := r.emitter.Emit(ctx, newSocket, types.EventMatchFound, payload); err != nil {
			return err
		}
		r.emitTo(ctx, entry.OpponentUID, types.EventOpponentReconnected,
			map[string]any{"roomId": entry.RoomID, "uid": uid, "opponentSocketId": newSocket})
		logging.Info(ctx, "User reconnected into session",
			zap.String("room_id", string(entry.RoomID)),
			zap.String("user_id", string(uid)))
		return nil
	}

	room, err := r.roomOf(ctx, uid)
	if err != nil || room == nil {
		return err
	}
	if room.PlayerA.UID == uid {
		room.PlayerA.SocketID = newSocket
	} else {
		room.PlayerB.SocketID = newSocket
	}
	if err := r.store.SetJSON(ctx, store.RoomKey(room.RoomID), room, store.PendingRoomTTL); err != nil {
		return err
	}

	payload := r.matchFoundFor(ctx, room, uid)
	payload.Reconnection = true
	if err := r.emitter.Emit(ctx, newSocket, types.EventMatchFound, payload); err != nil {
		return err
	}
	r.emitTo(ctx, room.Peer(uid).UID, types.EventOpponentReconnected,
		map[string]any{"roomId": room.RoomID, "uid": uid, "opponentSocketId": newSocket})
	logging.Info(ctx, "User reconnected into pending room",
		zap.String("room_id", string(room.RoomID)),
		zap.String("user_id", string(uid)))
	return nil
}

// roomOf scans for the pending room containing uid. The pending-room
// working set is tiny (rooms live seconds), so a scan is fine.
func (r *Registry) roomOf(ctx context.Context, uid types.UID) (*types.PendingRoom, error) {
	keys, err := r.store.ScanKeys(ctx, store.RoomKeyPattern)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		var room types.PendingRoom
		if err := r.store.GetJSON(ctx, key, &room); err != nil {
			continue
		}
		if room.Has(uid) {
			return &room, nil
		}
	}
	return nil, nil
}

// emitTo resolves uid's current socket and delivers the frame. Offline
// targets are silently skipped.
func (r *Registry) emitTo(ctx context.Context, uid types.UID, event types.Event, payload any) {
	sid, ok, err := r.sockets.Lookup(ctx, uid)
	if err != nil || !ok {
		return
	}
	if err := r.emitter.Emit(ctx, sid, event, payload); err != nil {
		logging.Warn(ctx, "Failed to deliver frame",
			zap.String("user_id", string(uid)), zap.String("event", string(event)), zap.Error(err))
	}
}

// RunReaper scans for pending rooms stuck past the handshake timeout and
// fails them on both sides. Runs until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Registry) reapOnce(ctx context.Context) {
	keys, err := r.store.ScanKeys(ctx, store.RoomKeyPattern)
	if err != nil {
		logging.Warn(ctx, "Pending room scan failed", zap.Error(err))
		return
	}

	cutoff := r.clock.Now().Add(-HandshakeTimeout).UnixMilli()
	for _, key := range keys {
		var room types.PendingRoom
		if err := r.store.GetJSON(ctx, key, &room); err != nil {
			continue
		}
		if room.CreatedAt > cutoff {
			continue
		}

		if err := r.store.Del(ctx, key); err != nil {
			continue
		}
		metrics.PendingRoomsReaped.Inc()
		logging.Warn(ctx, "Reaped stalled pending room",
			zap.String("room_id", string(room.RoomID)))

		payload := map[string]any{
			"roomId":  room.RoomID,
			"reason":  "handshake_timeout",
			"message": "match setup timed out",
		}
		r.emitTo(ctx, room.PlayerA.UID, types.EventMatchError, payload)
		r.emitTo(ctx, room.PlayerB.UID, types.EventMatchError, payload)
	}
}
