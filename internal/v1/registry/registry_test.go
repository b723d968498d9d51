package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := store.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return New(svc)
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "sock-1", "user-1"))

	sid, ok, err := r.Lookup(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.SocketID("sock-1"), sid)

	uid, ok, err := r.LookupUID(ctx, "sock-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.UID("user-1"), uid)
}

func TestLookupUnknownUser(t *testing.T) {
	r := newTestRegistry(t)

	_, ok, err := r.Lookup(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewerBindingWins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "sock-old", "user-1"))
	require.NoError(t, r.Register(ctx, "sock-new", "user-1"))

	sid, ok, err := r.Lookup(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.SocketID("sock-new"), sid)
}

func TestStaleUnregisterKeepsNewBinding(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "sock-old", "user-1"))
	require.NoError(t, r.Register(ctx, "sock-new", "user-1"))

	// The old tab closing must not evict the new binding.
	require.NoError(t, r.Unregister(ctx, "sock-old"))

	sid, ok, err := r.Lookup(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.SocketID("sock-new"), sid)

	// The old forward binding is gone regardless.
	_, ok, err = r.LookupUID(ctx, "sock-old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnregisterCurrentSocket(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "sock-1", "user-1"))
	require.NoError(t, r.Unregister(ctx, "sock-1"))

	_, ok, err := r.Lookup(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnlineSetExcludesGuests(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "sock-1", "user-1"))
	require.NoError(t, r.Register(ctx, "sock-2", "guest_abc"))

	online, err := r.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.UID{"user-1"}, online)

	require.NoError(t, r.Unregister(ctx, "sock-1"))
	online, err = r.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}
