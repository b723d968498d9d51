// Package transport owns the WebSocket edge: handshake, connection
// lifecycle, the per-connection dispatcher, and frame delivery to
// sockets on this or any other replica.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/auth"
	"github.com/pairplay/matchmaking/internal/v1/banlist"
	"github.com/pairplay/matchmaking/internal/v1/ice"
	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/profile"
	"github.com/pairplay/matchmaking/internal/v1/queue"
	"github.com/pairplay/matchmaking/internal/v1/ratelimit"
	"github.com/pairplay/matchmaking/internal/v1/registry"
	"github.com/pairplay/matchmaking/internal/v1/session"
	"github.com/pairplay/matchmaking/internal/v1/signaling"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// disconnectGrace is how long a vanished socket gets to reconnect before
// its session is torn down. A page refresh fits comfortably inside it.
const disconnectGrace = 5 * time.Second

// Hub is the central coordinator for all sockets on this replica.
type Hub struct {
	clients map[types.SocketID]*Client
	mu      sync.Mutex

	validator auth.TokenValidator
	store     *store.Service
	registry  *registry.Registry
	queue     *queue.Store
	sessions  *session.Registry
	router    *signaling.Router
	bans      *banlist.Gate
	minter    *ice.Minter
	profiles  profile.Provider
	limiter   *ratelimit.Limiter

	allowedOrigins []string
	serverKey      string
	devMode        bool

	graceTimers map[types.SocketID]*time.Timer
}

// Deps bundles the Hub's collaborators.
type Deps struct {
	Validator auth.TokenValidator
	Store     *store.Service
	Registry  *registry.Registry
	Queue     *queue.Store
	Sessions  *session.Registry
	Router    *signaling.Router
	Bans      *banlist.Gate
	Minter    *ice.Minter
	Profiles  profile.Provider
	Limiter   *ratelimit.Limiter

	AllowedOrigins []string
	ServerKey      string
	DevMode        bool
}

// NewHub creates a Hub from its dependency bundle.
func NewHub(d Deps) *Hub {
	return &Hub{
		clients:        make(map[types.SocketID]*Client),
		validator:      d.Validator,
		store:          d.Store,
		registry:       d.Registry,
		queue:          d.Queue,
		sessions:       d.Sessions,
		router:         d.Router,
		bans:           d.Bans,
		minter:         d.Minter,
		profiles:       d.Profiles,
		limiter:        d.Limiter,
		allowedOrigins: d.AllowedOrigins,
		serverKey:      d.ServerKey,
		devMode:        d.DevMode,
		graceTimers:    make(map[types.SocketID]*time.Timer),
	}
}

// Bind attaches the session registry and signaling router after
// construction. The hub is their emitter, so the three are built in two
// steps to break the cycle.
func (h *Hub) Bind(sessions *session.Registry, router *signaling.Router) {
	h.sessions = sessions
	h.router = router
}

// Run subscribes the hub to the replica fan-out channels. Frames
// published for sockets homed here are delivered; the rest are ignored
// by the pattern itself. Runs until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.store.PSubscribe(ctx, store.EmitChannelPattern, func(channel string, payload []byte) {
		sid := types.SocketID(store.SocketIDFromEmitChannel(channel))
		if sid == "" {
			return
		}
		h.mu.Lock()
		client, ok := h.clients[sid]
		h.mu.Unlock()
		if ok {
			client.SendRaw(payload)
		}
	})
}

// Emit delivers an event to a socket wherever it lives: straight to the
// local client when the socket is on this replica, via the fan-out
// channel otherwise.
func (h *Hub) Emit(ctx context.Context, socketID types.SocketID, event types.Event, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(types.Message{Event: event, Payload: raw})
	if err != nil {
		return err
	}

	h.mu.Lock()
	client, ok := h.clients[socketID]
	h.mu.Unlock()
	if ok {
		client.SendRaw(frame)
		return nil
	}
	return h.store.Publish(ctx, store.EmitChannel(socketID), frame)
}

// ServeWs authenticates the handshake and upgrades to a WebSocket.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.devMode && !h.limiter.CheckHandshake(c) {
		return
	}

	identity, err := h.resolveIdentity(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(c.Request.Context(), conn, identity)
}

// HandleConnection binds an established connection into the hub and
// starts its pumps.
func (h *Hub) HandleConnection(ctx context.Context, conn wsConnection, identity *Identity) {
	client := &Client{
		hub:      h,
		conn:     conn,
		socketID: types.SocketID(uuid.NewString()),
		uid:      identity.UID,
		isAdmin:  identity.Admin,
		send:     make(chan []byte, 256),
	}

	ctx = logging.WithSocket(logging.WithUser(ctx, string(client.uid)), string(client.socketID))

	h.mu.Lock()
	h.clients[client.socketID] = client
	h.mu.Unlock()

	if err := h.registry.Register(ctx, client.socketID, client.uid); err != nil {
		logging.Error(ctx, "Failed to register socket", zap.Error(err))
		conn.Close()
		return
	}

	metrics.IncConnection()
	logging.Info(ctx, "Socket connected", zap.Bool("admin", client.isAdmin))

	go client.writePump()
	go client.readPump(ctx)
}

// handleDisconnect runs when a socket's read loop ends. Queue membership
// tied to this socket goes immediately; the session gets a grace window
// in case the user is mid-refresh.
func (h *Hub) handleDisconnect(ctx context.Context, client *Client) {
	h.mu.Lock()
	delete(h.clients, client.socketID)
	h.mu.Unlock()

	metrics.DecConnection()

	if err := h.registry.Unregister(ctx, client.socketID); err != nil {
		logging.Warn(ctx, "Failed to unregister socket", zap.Error(err))
	}
	if err := h.queue.RemoveBySocket(ctx, client.uid, client.socketID); err != nil {
		logging.Warn(ctx, "Failed to remove disconnected user from queue", zap.Error(err))
	}

	uid := client.uid
	timer := time.AfterFunc(disconnectGrace, func() {
		bg := context.Background()
		h.mu.Lock()
		delete(h.graceTimers, client.socketID)
		h.mu.Unlock()

		// The binding is authoritative: a new socket registered during the
		// grace window means the user came back, possibly on another
		// replica, and the session must survive.
		if _, online, err := h.registry.Lookup(bg, uid); err != nil || online {
			return
		}
		if err := h.sessions.TeardownForDisconnect(bg, uid); err != nil {
			logging.Warn(bg, "Session teardown after disconnect failed",
				zap.String("user_id", string(uid)), zap.Error(err))
		}
	})

	h.mu.Lock()
	h.graceTimers[client.socketID] = timer
	h.mu.Unlock()

	logging.Info(ctx, "Socket disconnected")
}

// ForceDisconnect closes uid's socket if it is homed on this replica and
// clears its queue and session state regardless.
func (h *Hub) ForceDisconnect(ctx context.Context, uid types.UID, event types.Event, payload any) {
	sid, online, err := h.registry.Lookup(ctx, uid)
	if err != nil {
		return
	}
	if online {
		_ = h.Emit(ctx, sid, event, payload)
	}

	if err := h.queue.RemoveByUID(ctx, uid); err != nil {
		logging.Warn(ctx, "Failed to dequeue user on force disconnect", zap.Error(err))
	}
	if err := h.sessions.TeardownForDisconnect(ctx, uid); err != nil {
		logging.Warn(ctx, "Failed to tear down session on force disconnect", zap.Error(err))
	}

	h.mu.Lock()
	client, local := h.clients[sid]
	h.mu.Unlock()
	if local {
		client.Disconnect()
	}
}

// Shutdown closes every local connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	for _, timer := range h.graceTimers {
		timer.Stop()
	}
	h.graceTimers = make(map[types.SocketID]*time.Timer)
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}

	logging.Info(ctx, "Hub shut down", zap.Int("connections_closed", len(clients)))
	return nil
}
