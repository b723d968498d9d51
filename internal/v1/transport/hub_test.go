package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairplay/matchmaking/internal/v1/analytics"
	"github.com/pairplay/matchmaking/internal/v1/auth"
	"github.com/pairplay/matchmaking/internal/v1/banlist"
	"github.com/pairplay/matchmaking/internal/v1/ice"
	"github.com/pairplay/matchmaking/internal/v1/profile"
	"github.com/pairplay/matchmaking/internal/v1/queue"
	"github.com/pairplay/matchmaking/internal/v1/registry"
	"github.com/pairplay/matchmaking/internal/v1/session"
	"github.com/pairplay/matchmaking/internal/v1/signaling"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

type hubFixture struct {
	hub   *Hub
	store *store.Service
	queue *queue.Store
	bans  *banlist.Gate
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := store.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	sockets := registry.New(svc)
	q := queue.New(svc)
	bans := banlist.New(svc)
	minter := ice.New(ice.TurnEndpoint{}, ice.TurnEndpoint{})

	hub := NewHub(Deps{
		Validator:      &auth.MockValidator{},
		Store:          svc,
		Registry:       sockets,
		Queue:          q,
		Bans:           bans,
		Minter:         minter,
		Profiles:       profile.NullProvider{},
		AllowedOrigins: []string{"http://localhost:3000"},
		ServerKey:      "super-secret-server-key",
		DevMode:        true,
	})
	sessions := session.New(svc, q, hub, sockets, minter, profile.NullProvider{}, analytics.New())
	router := signaling.New(sessions, sockets, hub)
	hub.Bind(sessions, router)

	return &hubFixture{hub: hub, store: svc, queue: q, bans: bans}
}

// addClient wires a fake local client into the hub and its registry.
func (f *hubFixture) addClient(t *testing.T, uid types.UID, sid types.SocketID) *Client {
	t.Helper()
	c := &Client{hub: f.hub, socketID: sid, uid: uid, send: make(chan []byte, 16)}
	f.hub.mu.Lock()
	f.hub.clients[sid] = c
	f.hub.mu.Unlock()
	require.NoError(t, f.hub.registry.Register(context.Background(), sid, uid))
	return c
}

func receive(t *testing.T, c *Client) types.Message {
	t.Helper()
	select {
	case frame := <-c.send:
		var msg types.Message
		require.NoError(t, json.Unmarshal(frame, &msg))
		return msg
	default:
		t.Fatal("no frame queued for client")
		return types.Message{}
	}
}

func TestEmitLocalDelivery(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")

	require.NoError(t, f.hub.Emit(context.Background(), "sock-1", types.EventError, map[string]any{"message": "x"}))

	msg := receive(t, c)
	assert.Equal(t, types.EventError, msg.Event)
}

func TestEmitRemoteGoesToFabric(t *testing.T) {
	f := newHubFixture(t)

	// No local client: the frame must be published, not lost as an error.
	err := f.hub.Emit(context.Background(), "sock-elsewhere", types.EventError, map[string]any{"message": "x"})
	assert.NoError(t, err)
}

func TestJoinQueueEnqueuesWithFilteredPreferences(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")
	ctx := context.Background()

	payload := json.RawMessage(`{"gender":"female","mode":"video","preferences":{"gender":"male","location":"US"}}`)
	f.hub.dispatch(ctx, c, &types.Message{Event: types.EventJoinQueue, Payload: payload})

	got, err := f.queue.Get(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.GenderFemale, got.Gender)
	assert.Equal(t, types.ModeVideo, got.Mode)
	// Free tier keeps no preferences.
	assert.Equal(t, types.Preferences{}, got.Preferences)
	assert.Equal(t, types.SocketID("sock-1"), got.SocketID)
}

func TestJoinQueueRejectsBanned(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")
	ctx := context.Background()

	require.NoError(t, f.bans.Ban(ctx, "user-1", "abuse", 0))

	payload := json.RawMessage(`{"gender":"male"}`)
	f.hub.dispatch(ctx, c, &types.Message{Event: types.EventJoinQueue, Payload: payload})

	msg := receive(t, c)
	assert.Equal(t, types.EventBanned, msg.Event)

	got, err := f.queue.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJoinQueueRejectedWhileInSession(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")
	ctx := context.Background()

	entry := types.SessionEntry{RoomID: "room-1", OpponentUID: "user-2", Role: types.RoleA}
	require.NoError(t, f.store.SetJSON(ctx, store.SessionKey("user-1"), entry, 0))

	f.hub.dispatch(ctx, c, &types.Message{Event: types.EventJoinQueue, Payload: json.RawMessage(`{"gender":"male"}`)})

	msg := receive(t, c)
	assert.Equal(t, types.EventError, msg.Event)

	got, err := f.queue.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLeaveQueue(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")
	ctx := context.Background()

	f.hub.dispatch(ctx, c, &types.Message{Event: types.EventJoinQueue, Payload: json.RawMessage(`{"gender":"male"}`)})
	f.hub.dispatch(ctx, c, &types.Message{Event: types.EventLeaveQueue})

	got, err := f.queue.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetIceServers(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")

	f.hub.dispatch(context.Background(), c, &types.Message{Event: types.EventGetIceServers})

	msg := receive(t, c)
	assert.Equal(t, types.EventIceServersConfig, msg.Event)

	var body struct {
		IceServers ice.Config `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	assert.NotEmpty(t, body.IceServers.Game)
	assert.NotEmpty(t, body.IceServers.Video)
}

func TestAdminEventRequiresPrivileges(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")

	payload := json.RawMessage(`{"userId":"victim"}`)
	f.hub.dispatch(context.Background(), c, &types.Message{Event: types.EventAdminBanUser, Payload: payload})

	msg := receive(t, c)
	assert.Equal(t, types.EventError, msg.Event)

	banned, err := f.bans.IsBanned(context.Background(), "victim")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestAdminBanUser(t *testing.T) {
	f := newHubFixture(t)
	admin := f.addClient(t, types.AdminUID, "sock-admin")
	admin.isAdmin = true

	payload := json.RawMessage(`{"userId":"victim","reason":"abuse","durationMinutes":60}`)
	f.hub.dispatch(context.Background(), admin, &types.Message{Event: types.EventAdminBanUser, Payload: payload})

	banned, err := f.bans.IsBanned(context.Background(), "victim")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestUnknownEventGetsErrorFrame(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")

	f.hub.dispatch(context.Background(), c, &types.Message{Event: "mystery"})

	msg := receive(t, c)
	assert.Equal(t, types.EventError, msg.Event)
}

func TestSendInviteOfflineTarget(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient(t, "user-1", "sock-1")

	payload := json.RawMessage(`{"targetUid":"ghost"}`)
	f.hub.dispatch(context.Background(), c, &types.Message{Event: types.EventSendInvite, Payload: payload})

	msg := receive(t, c)
	assert.Equal(t, types.EventInviteError, msg.Event)
}

func TestSendInviteDelivered(t *testing.T) {
	f := newHubFixture(t)
	inviter := f.addClient(t, "user-1", "sock-1")
	target := f.addClient(t, "user-2", "sock-2")

	payload := json.RawMessage(`{"targetUid":"user-2","mode":"video"}`)
	f.hub.dispatch(context.Background(), inviter, &types.Message{Event: types.EventSendInvite, Payload: payload})

	msg := receive(t, target)
	assert.Equal(t, types.EventReceiveInvite, msg.Event)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, "user-1", got["fromUid"])
	assert.Equal(t, "video", got["mode"])
}

// --- handshake identity ---

func testGinContext(query string) *gin.Context {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws?"+query, nil)
	return c
}

func TestResolveIdentityAdmin(t *testing.T) {
	f := newHubFixture(t)

	id, err := f.hub.resolveIdentity(testGinContext("userId=server-admin&serverKey=super-secret-server-key"))
	require.NoError(t, err)
	assert.Equal(t, types.AdminUID, id.UID)
	assert.True(t, id.Admin)
}

func TestResolveIdentityAdminBadKey(t *testing.T) {
	f := newHubFixture(t)

	_, err := f.hub.resolveIdentity(testGinContext("userId=server-admin&serverKey=wrong"))
	assert.Error(t, err)
}

func TestResolveIdentityGuestPassthrough(t *testing.T) {
	f := newHubFixture(t)

	id, err := f.hub.resolveIdentity(testGinContext("userId=guest_abc"))
	require.NoError(t, err)
	assert.Equal(t, types.UID("guest_abc"), id.UID)
	assert.False(t, id.Admin)
}

func TestResolveIdentityRejectsEmptyCredential(t *testing.T) {
	f := newHubFixture(t)

	_, err := f.hub.resolveIdentity(testGinContext(""))
	require.Error(t, err)

	_, err = f.hub.resolveIdentity(testGinContext("token=&userId="))
	require.Error(t, err)
}

func TestResolveIdentityMintsGuest(t *testing.T) {
	f := newHubFixture(t)

	id, err := f.hub.resolveIdentity(testGinContext("userId=whoever"))
	require.NoError(t, err)
	assert.True(t, id.UID.IsGuest())
}

func TestResolveIdentityToken(t *testing.T) {
	f := newHubFixture(t)

	// MockValidator trusts the payload.
	id, err := f.hub.resolveIdentity(testGinContext("token=aaa.eyJzdWIiOiJ1c2VyLTQyIn0.ccc"))
	require.NoError(t, err)
	assert.Equal(t, types.UID("user-42"), id.UID)
}

// --- origins ---

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://app.example.com"}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.NoError(t, validateOrigin(req, allowed), "non-browser clients pass")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.NoError(t, validateOrigin(req, allowed))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.Error(t, validateOrigin(req, allowed))

	// Scheme must match, not just the host.
	req.Header.Set("Origin", "http://app.example.com")
	assert.Error(t, validateOrigin(req, allowed))
}
