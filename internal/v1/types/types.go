// Package types holds the shared domain types of the matchmaking broker.
// Every cross-component record is a flat struct keyed by uid or roomId;
// components reference each other's records by id only, never by pointer.
package types

import "strings"

// --- Identifiers ---

// UID is a stable user identifier. Guest identifiers carry a "guest_"
// prefix which disables stats tracking and uid-keyed bans.
type UID string

// SocketID identifies a single WebSocket connection.
type SocketID string

// RoomID identifies a pending or established signaling room.
type RoomID string

// IsGuest reports whether the uid belongs to an unauthenticated guest.
func (u UID) IsGuest() bool { return strings.HasPrefix(string(u), "guest_") }

// IsBot reports whether the uid belongs to a server-driven bot.
func (u UID) IsBot() bool { return strings.HasPrefix(string(u), "bot_") }

// AdminUID is the reserved handshake identity that, combined with the
// server key, grants admin privileges on a connection.
const AdminUID UID = "server-admin"

// --- Enumerations ---

// Gender partitions the waiting queue.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	// GenderAny is only ever produced by preference widening; it is not a
	// valid queue partition.
	GenderAny Gender = "any"
)

// Opposite returns the other queue partition.
func (g Gender) Opposite() Gender {
	if g == GenderMale {
		return GenderFemale
	}
	return GenderMale
}

// Valid reports whether g names a real queue partition.
func (g Gender) Valid() bool { return g == GenderMale || g == GenderFemale }

// Tier is the subscription level controlling which preferences survive
// filtering and whether gender widening applies.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierGold    Tier = "GOLD"
	TierDiamond Tier = "DIAMOND"
)

// Mode selects which peer-to-peer channel a pairing negotiates.
type Mode string

const (
	ModeRandom Mode = "random"
	ModeVideo  Mode = "video"
)

// Service names a peer-to-peer channel that must report ready before a
// pending room is promoted.
type Service string

const (
	ServiceGame  Service = "game"
	ServiceVideo Service = "video"
)

// ExpectedServices maps a pairing mode to the set of services that must
// report connection-stable before the room is finalized. The mapping is a
// single channel per mode: video chat never waits on game signaling and
// vice versa.
func ExpectedServices(mode Mode) []Service {
	if mode == ModeVideo {
		return []Service{ServiceVideo}
	}
	return []Service{ServiceGame}
}

// --- Records ---

// Preferences are a waiter's soft match filters. Both fields are optional
// and are stripped according to tier before storage.
type Preferences struct {
	Gender   Gender `json:"gender,omitempty"`
	Location string `json:"location,omitempty"`
}

// FilterByTier returns the preferences a tier is entitled to keep:
// FREE loses both filters, GOLD keeps gender only, DIAMOND keeps both.
func (p Preferences) FilterByTier(tier Tier) Preferences {
	switch tier {
	case TierDiamond:
		return p
	case TierGold:
		return Preferences{Gender: p.Gender}
	default:
		return Preferences{}
	}
}

// QueueUser is a record enqueued for matching. At most one QueueUser
// exists per uid across both partitions at any time.
type QueueUser struct {
	UID           UID         `json:"uid"`
	SocketID      SocketID    `json:"socketId"`
	Gender        Gender      `json:"gender"`
	Location      string      `json:"location,omitempty"`
	Tier          Tier        `json:"tier"`
	Mode          Mode        `json:"mode"`
	Preferences   Preferences `json:"preferences"`
	JoinedAt      int64       `json:"joinedAt"` // wall-clock ms
	BotModeActive bool        `json:"botModeActive,omitempty"`
}

// PlayerRef binds one side of a room to its socket at match time.
type PlayerRef struct {
	UID      UID      `json:"uid"`
	SocketID SocketID `json:"socketId"`
}

// Role names a side of a pairing. Side A is the WebRTC initiator.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// PendingRoom coordinates the post-match handshake. It is created by the
// match engine and destroyed on promotion, timeout, skip, or disconnect.
type PendingRoom struct {
	RoomID           RoomID           `json:"roomId"`
	PlayerA          PlayerRef        `json:"playerA"`
	PlayerB          PlayerRef        `json:"playerB"`
	Mode             Mode             `json:"mode"`
	ExpectedServices []Service        `json:"expectedServices"`
	Ready            map[Service]bool `json:"ready"`
	CreatedAt        int64            `json:"createdAt"` // wall-clock ms
}

// Has reports whether uid is a party of the room.
func (r *PendingRoom) Has(uid UID) bool {
	return r.PlayerA.UID == uid || r.PlayerB.UID == uid
}

// Peer returns the other party's reference.
func (r *PendingRoom) Peer(uid UID) PlayerRef {
	if r.PlayerA.UID == uid {
		return r.PlayerB
	}
	return r.PlayerA
}

// RoleOf returns which side uid occupies.
func (r *PendingRoom) RoleOf(uid UID) Role {
	if r.PlayerA.UID == uid {
		return RoleA
	}
	return RoleB
}

// Expects reports whether the room waits on the given service.
func (r *PendingRoom) Expects(svc Service) bool {
	for _, s := range r.ExpectedServices {
		if s == svc {
			return true
		}
	}
	return false
}

// AllReady reports whether every expected service has reported stable.
func (r *PendingRoom) AllReady() bool {
	for _, s := range r.ExpectedServices {
		if !r.Ready[s] {
			return false
		}
	}
	return true
}

// SessionEntry is one side of an established pairing. Two entries always
// coexist and reference each other by uid.
type SessionEntry struct {
	RoomID      RoomID `json:"roomId"`
	OpponentUID UID    `json:"opponentUid"`
	Role        Role   `json:"role"`
	Mode        Mode   `json:"mode"`
	StartTime   int64  `json:"startTime"` // wall-clock ms
}

// BanEntry is a time-bounded queue-admission deny record.
// ExpiresAt == 0 means the ban is indefinite.
type BanEntry struct {
	UID       UID    `json:"uid"`
	Reason    string `json:"reason"`
	BannedAt  int64  `json:"bannedAt"`  // wall-clock ms
	ExpiresAt int64  `json:"expiresAt"` // wall-clock ms, 0 = indefinite
}
