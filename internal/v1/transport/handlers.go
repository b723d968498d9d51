package transport

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// dispatch routes one inbound frame to its handler. Unknown events get
// an error frame rather than a dropped connection.
func (h *Hub) dispatch(ctx context.Context, c *Client, msg *types.Message) {
	var err error

	switch {
	case msg.Event == types.EventJoinQueue:
		err = h.handleJoinQueue(ctx, c, msg.Payload)
	case msg.Event == types.EventLeaveQueue:
		err = h.queue.RemoveByUID(ctx, c.uid)
	case msg.Event == types.EventSkipMatch:
		err = h.handleSkip(ctx, c)
	case msg.Event == types.EventConnectionStable:
		err = h.handleConnectionStable(ctx, c, msg.Payload)
	case msg.Event == types.EventReconnect:
		err = h.sessions.HandleReconnection(ctx, c.uid, c.socketID)
	case msg.Event == types.EventGetIceServers:
		err = h.Emit(ctx, c.socketID, types.EventIceServersConfig,
			map[string]any{"iceServers": h.minter.ConfigFor(ctx, c.uid)})
	case msg.Event.IsSignal():
		h.router.Relay(ctx, c.socketID, c.uid, msg.Event, msg.Payload)
	case msg.Event == types.EventSendInvite:
		err = h.handleSendInvite(ctx, c, msg.Payload)
	case msg.Event == types.EventAcceptInvite:
		err = h.handleAcceptInvite(ctx, c, msg.Payload)
	case msg.Event == types.EventRejectInvite:
		err = h.handleRejectInvite(ctx, c, msg.Payload)
	case msg.Event.IsAdmin():
		err = h.handleAdmin(ctx, c, msg.Event, msg.Payload)
	default:
		h.emitError(ctx, c, "unknown event: "+string(msg.Event))
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), "unknown").Inc()
		return
	}

	if err != nil {
		logging.Warn(ctx, "Event handling failed",
			zap.String("event", string(msg.Event)), zap.Error(err))
		h.emitError(ctx, c, "failed to handle "+string(msg.Event))
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), "error").Inc()
		return
	}
	metrics.WebsocketEvents.WithLabelValues(string(msg.Event), "ok").Inc()
}

func (h *Hub) emitError(ctx context.Context, c *Client, message string) {
	if err := h.Emit(ctx, c.socketID, types.EventError, map[string]any{"message": message}); err != nil {
		logging.Warn(ctx, "Failed to deliver error frame", zap.Error(err))
	}
}

// --- Queue ---

type joinQueuePayload struct {
	Gender      types.Gender      `json:"gender"`
	Location    string            `json:"location"`
	Mode        types.Mode        `json:"mode"`
	Preferences types.Preferences `json:"preferences"`
}

func (h *Hub) handleJoinQueue(ctx context.Context, c *Client, raw json.RawMessage) error {
	if h.limiter != nil && !h.devMode && !h.limiter.AllowJoin(ctx, c.uid) {
		h.emitError(ctx, c, "too many join attempts")
		return nil
	}

	entry, err := h.bans.Lookup(ctx, c.uid)
	if err != nil {
		return err
	}
	if entry != nil {
		remaining, _ := h.bans.RemainingTime(ctx, c.uid)
		minutes := remaining
		if remaining > 0 {
			minutes = (remaining + 59_999) / 60_000
		}
		return h.Emit(ctx, c.socketID, types.EventBanned, map[string]any{
			"reason":           entry.Reason,
			"remainingMinutes": minutes,
			"message":          "you are banned from matchmaking",
		})
	}

	// A user inside an active session must skip out before queueing again.
	if entry, err := h.sessions.Lookup(ctx, c.uid); err != nil {
		return err
	} else if entry != nil {
		h.emitError(ctx, c, "already in an active session")
		return nil
	}

	var p joinQueuePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			h.emitError(ctx, c, "malformed join_queue payload")
			return nil
		}
	}
	if p.Mode == "" {
		p.Mode = types.ModeRandom
	}
	if p.Mode != types.ModeRandom && p.Mode != types.ModeVideo {
		h.emitError(ctx, c, "invalid mode")
		return nil
	}

	prof, err := h.profiles.GetProfile(ctx, c.uid)
	if err != nil {
		return err
	}
	gender := p.Gender
	if !gender.Valid() {
		gender = prof.Gender
	}
	if !gender.Valid() {
		h.emitError(ctx, c, "invalid gender")
		return nil
	}
	location := p.Location
	if location == "" {
		location = prof.Location
	}

	user := &types.QueueUser{
		UID:         c.uid,
		SocketID:    c.socketID,
		Gender:      gender,
		Location:    location,
		Tier:        prof.Tier,
		Mode:        p.Mode,
		Preferences: p.Preferences.FilterByTier(prof.Tier),
		JoinedAt:    time.Now().UnixMilli(),
	}
	return h.queue.Join(ctx, user)
}

func (h *Hub) handleSkip(ctx context.Context, c *Client) error {
	if err := h.sessions.HandleSkip(ctx, c.uid); err != nil {
		return err
	}
	return h.profiles.IncrementStat(ctx, c.uid, "skips")
}

// --- Handshake ---

type connectionStablePayload struct {
	Service types.Service `json:"service"`
}

func (h *Hub) handleConnectionStable(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p connectionStablePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			h.emitError(ctx, c, "malformed connection_stable payload")
			return nil
		}
	}
	if p.Service == "" {
		p.Service = types.ServiceGame
	}
	return h.sessions.HandleConnectionStable(ctx, c.uid, p.Service)
}

// --- Invites ---

type invitePayload struct {
	TargetUID types.UID  `json:"targetUid"`
	FromUID   types.UID  `json:"inviterUid"`
	Mode      types.Mode `json:"mode"`
}

func (h *Hub) handleSendInvite(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p invitePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TargetUID == "" {
		h.emitError(ctx, c, "malformed send_invite payload")
		return nil
	}
	if p.Mode == "" {
		p.Mode = types.ModeRandom
	}

	sid, online, err := h.registry.Lookup(ctx, p.TargetUID)
	if err != nil {
		return err
	}
	if !online {
		return h.Emit(ctx, c.socketID, types.EventInviteError, map[string]any{
			"targetUid": p.TargetUID,
			"reason":    "offline",
		})
	}
	return h.Emit(ctx, sid, types.EventReceiveInvite, map[string]any{
		"fromUid": c.uid,
		"mode":    p.Mode,
	})
}

// handleAcceptInvite pairs inviter and accepter directly, bypassing the
// queue. The inviter takes side A.
func (h *Hub) handleAcceptInvite(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p invitePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.FromUID == "" {
		h.emitError(ctx, c, "malformed accept_invite payload")
		return nil
	}
	if p.Mode == "" {
		p.Mode = types.ModeRandom
	}

	if _, online, err := h.registry.Lookup(ctx, p.FromUID); err != nil {
		return err
	} else if !online {
		return h.Emit(ctx, c.socketID, types.EventInviteError, map[string]any{
			"targetUid": p.FromUID,
			"reason":    "offline",
		})
	}

	now := time.Now().UnixMilli()
	inviter := &types.QueueUser{UID: p.FromUID, Mode: p.Mode, JoinedAt: now}
	accepter := &types.QueueUser{UID: c.uid, SocketID: c.socketID, Mode: p.Mode, JoinedAt: now}
	return h.sessions.ExecuteMatch(ctx, inviter, accepter)
}

func (h *Hub) handleRejectInvite(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p invitePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.FromUID == "" {
		h.emitError(ctx, c, "malformed reject_invite payload")
		return nil
	}

	sid, online, err := h.registry.Lookup(ctx, p.FromUID)
	if err != nil || !online {
		return err
	}
	return h.Emit(ctx, sid, types.EventInviteRejected, map[string]any{"by": c.uid})
}

// --- Admin ---

type adminPayload struct {
	UserID          types.UID `json:"userId"`
	Reason          string    `json:"reason"`
	DurationMinutes int       `json:"durationMinutes"`
}

func (h *Hub) handleAdmin(ctx context.Context, c *Client, event types.Event, raw json.RawMessage) error {
	if !c.isAdmin {
		h.emitError(ctx, c, "admin privileges required")
		return nil
	}

	var p adminPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		h.emitError(ctx, c, "malformed admin payload")
		return nil
	}

	logging.Info(ctx, "Admin operation",
		zap.String("event", string(event)),
		zap.String("target", string(p.UserID)),
		zap.String("reason", p.Reason))

	switch event {
	case types.EventAdminKickUser:
		h.ForceDisconnect(ctx, p.UserID, types.EventKicked, map[string]any{"reason": p.Reason})
		return nil
	case types.EventAdminBanUser:
		if err := h.bans.Ban(ctx, p.UserID, p.Reason, p.DurationMinutes); err != nil {
			return err
		}
		h.ForceDisconnect(ctx, p.UserID, types.EventBanned, map[string]any{
			"reason":    p.Reason,
			"permanent": p.DurationMinutes <= 0,
		})
		return nil
	case types.EventAdminUnbanUser:
		return h.bans.Unban(ctx, p.UserID)
	case types.EventAdminForceDisconnect:
		h.ForceDisconnect(ctx, p.UserID, types.EventKicked, map[string]any{"reason": "force_disconnect"})
		return nil
	}
	return nil
}
