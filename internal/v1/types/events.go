package types

import (
	"context"
	"encoding/json"
)

// Event names a message on the wire. The inbound surface is closed and
// small; each connection runs a single dispatcher switching over these.
type Event string

// Inbound events (client -> server).
const (
	EventJoinQueue        Event = "join_queue"
	EventLeaveQueue       Event = "leave_queue"
	EventSkipMatch        Event = "skip_match"
	EventConnectionStable Event = "connection_stable"
	EventReconnect        Event = "reconnect"
	EventGetIceServers    Event = "get_ice_servers"

	EventOffer             Event = "offer"
	EventAnswer            Event = "answer"
	EventIceCandidate      Event = "ice-candidate"
	EventVideoOffer        Event = "video-offer"
	EventVideoAnswer       Event = "video-answer"
	EventVideoIceCandidate Event = "video-ice-candidate"

	EventSendInvite   Event = "send_invite"
	EventAcceptInvite Event = "accept_invite"
	EventRejectInvite Event = "reject_invite"

	EventAdminKickUser        Event = "admin_kick_user"
	EventAdminBanUser         Event = "admin_ban_user"
	EventAdminUnbanUser       Event = "admin_unban_user"
	EventAdminForceDisconnect Event = "admin_force_disconnect"
)

// Outbound events (server -> client).
const (
	EventMatchFound          Event = "match_found"
	EventSessionEstablished  Event = "session_established"
	EventMatchSkipped        Event = "match_skipped"
	EventMatchError          Event = "match_error"
	EventOpponentReconnected Event = "opponent_reconnected"
	EventStartBotMode        Event = "start_bot_mode"
	EventNoMatchFound        Event = "no_match_found"
	EventBanned              Event = "banned"
	EventKicked              Event = "kicked"
	EventIceServersConfig    Event = "ice_servers_config"
	EventReceiveInvite       Event = "receive_invite"
	EventInviteRejected      Event = "invite_rejected"
	EventInviteError         Event = "invite_error"
	EventError               Event = "error"
)

// IsSignal reports whether the event is a relayed SDP/ICE frame.
func (e Event) IsSignal() bool {
	switch e {
	case EventOffer, EventAnswer, EventIceCandidate,
		EventVideoOffer, EventVideoAnswer, EventVideoIceCandidate:
		return true
	}
	return false
}

// IsOffer reports whether the event is an SDP offer (offers additionally
// carry the sender uid when relayed).
func (e Event) IsOffer() bool {
	return e == EventOffer || e == EventVideoOffer
}

// IsAdmin reports whether the event requires admin privileges.
func (e Event) IsAdmin() bool {
	switch e {
	case EventAdminKickUser, EventAdminBanUser, EventAdminUnbanUser, EventAdminForceDisconnect:
		return true
	}
	return false
}

// Message is the wire envelope: a named event plus an opaque JSON payload.
type Message struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Emitter delivers an event to a socket wherever it lives: the local hub
// when the socket is on this replica, the broker fabric otherwise.
// Delivery is at-most-once best-effort; an offline socket drops the frame.
type Emitter interface {
	Emit(ctx context.Context, socketID SocketID, event Event, payload any) error
}
