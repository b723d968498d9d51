package banlist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/pairplay/matchmaking/internal/v1/store"
)

func newTestGate(t *testing.T) (*Gate, *clocktesting.FakePassiveClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := store.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	clk := clocktesting.NewFakePassiveClock(time.Now())
	return NewWithClock(svc, clk), clk
}

func TestIndefiniteBan(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.Ban(ctx, "user-1", "abuse", 0))

	banned, err := gate.IsBanned(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, banned)

	remaining, err := gate.RemainingTime(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, Permanent, remaining)
}

func TestTimedBanExpires(t *testing.T) {
	gate, clk := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.Ban(ctx, "user-1", "spam", 30))

	banned, err := gate.IsBanned(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, banned)

	remaining, err := gate.RemainingTime(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, (30 * time.Minute).Milliseconds(), remaining)

	// Past the expiry the entry reads as absent even before Redis reaps it.
	clk.SetTime(clk.Now().Add(31 * time.Minute))
	banned, err = gate.IsBanned(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, banned)

	remaining, err = gate.RemainingTime(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestUnban(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.Ban(ctx, "user-1", "abuse", 0))
	require.NoError(t, gate.Unban(ctx, "user-1"))

	banned, err := gate.IsBanned(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestGuestsBypassBans(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.Ban(ctx, "guest_abc", "abuse", 0))

	banned, err := gate.IsBanned(ctx, "guest_abc")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestNotBanned(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	entry, err := gate.Lookup(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	remaining, err := gate.RemainingTime(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}
