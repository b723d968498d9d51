package store

import (
	"fmt"
	"time"

	"github.com/pairplay/matchmaking/internal/v1/types"
)

// The eight namespaced tables below are the only process-wide state. All
// key construction lives here so no call site concatenates prefixes ad hoc.
//
//	queue:male / queue:female   sorted set, score = joinedAt ms
//	queue:user:{uid}            JSON QueueUser payload
//	room:{roomId}               JSON PendingRoom, TTL 300s
//	session:{uid}               JSON SessionEntry, no TTL
//	socket:uid:{socketId}       uid, TTL 86400s
//	user:socket:{uid}           socketId, TTL 86400s
//	users:online                set of uids
//	ban:{uid}                   JSON BanEntry, per-entry TTL
//	lock:matchmaking            tick leader lease, TTL 3s

const (
	// SocketBindingTTL bounds how long an abandoned socket binding can
	// linger if a disconnect is never observed.
	SocketBindingTTL = 86400 * time.Second

	// PendingRoomTTL is the crash-safety TTL on persisted pending rooms;
	// the reaper tears rooms down much earlier.
	PendingRoomTTL = 300 * time.Second

	// MatchLockTTL is the tick leader lease duration.
	MatchLockTTL = 3 * time.Second

	// MatchLockKey is the named lease serializing matching cycles.
	MatchLockKey = "lock:matchmaking"

	// OnlineUsersKey is the set of currently online (non-guest) uids.
	OnlineUsersKey = "users:online"
)

// QueueKey returns the sorted-set key of a queue partition.
func QueueKey(g types.Gender) string {
	return "queue:" + string(g)
}

// QueueUserKey returns the payload key of a waiting user.
func QueueUserKey(uid types.UID) string {
	return "queue:user:" + string(uid)
}

// RoomKey returns the key of a pending room.
func RoomKey(roomID types.RoomID) string {
	return "room:" + string(roomID)
}

// RoomKeyPattern matches all pending room keys.
const RoomKeyPattern = "room:*"

// SessionKey returns the key of a user's active session entry.
func SessionKey(uid types.UID) string {
	return "session:" + string(uid)
}

// SocketUIDKey returns the forward binding key (socket -> uid).
func SocketUIDKey(socketID types.SocketID) string {
	return "socket:uid:" + string(socketID)
}

// UserSocketKey returns the reverse binding key (uid -> socket).
func UserSocketKey(uid types.UID) string {
	return "user:socket:" + string(uid)
}

// BanKey returns the key of a user's ban entry.
func BanKey(uid types.UID) string {
	return "ban:" + string(uid)
}

// EmitChannel returns the pub/sub channel used to fan an outbound frame
// to whichever replica holds the target socket.
func EmitChannel(socketID types.SocketID) string {
	return fmt.Sprintf("socket:emit:%s", socketID)
}

// EmitChannelPattern matches every replica fan-out channel.
const EmitChannelPattern = "socket:emit:*"
