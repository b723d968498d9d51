package ice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestStunOnlyWhenUnconfigured(t *testing.T) {
	m := New(TurnEndpoint{}, TurnEndpoint{})

	cfg := m.ConfigFor(context.Background(), "user-1")

	require.Len(t, cfg.Game, 2)
	require.Len(t, cfg.Video, 2)
	for _, s := range cfg.Game {
		assert.Empty(t, s.Username)
		assert.Empty(t, s.Credential)
		assert.Contains(t, s.URLs[0], "stun:")
	}
}

func TestTurnCredentialShape(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clk := clocktesting.NewFakePassiveClock(now)
	m := NewWithClock(
		TurnEndpoint{URL: "turn:game.example.com:3478", Secret: "game-secret"},
		TurnEndpoint{},
		clk,
	)

	cfg := m.ConfigFor(context.Background(), "user-1")
	require.Len(t, cfg.Game, 3)

	turn := cfg.Game[2]
	assert.Equal(t, []string{"turn:game.example.com:3478"}, turn.URLs)

	wantUser := fmt.Sprintf("%d:user-1", now.Add(CredentialTTL).Unix())
	assert.Equal(t, wantUser, turn.Username)

	mac := hmac.New(sha1.New, []byte("game-secret"))
	mac.Write([]byte(wantUser))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), turn.Credential)
}

func TestMintingIsDeterministic(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(1_700_000_000, 0))
	ep := TurnEndpoint{URL: "turn:x:3478", Secret: "s"}
	m := NewWithClock(ep, ep, clk)
	ctx := context.Background()

	first := m.ConfigFor(ctx, "user-1")
	second := m.ConfigFor(ctx, "user-1")
	assert.Equal(t, first, second, "same inputs at the same instant must mint the same pair")
}

func TestGameAndVideoUseOwnSecrets(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(1_700_000_000, 0))
	m := NewWithClock(
		TurnEndpoint{URL: "turn:game:3478", Secret: "game-secret"},
		TurnEndpoint{URL: "turn:video:3478", Secret: "video-secret"},
		clk,
	)

	cfg := m.ConfigFor(context.Background(), "user-1")
	require.Len(t, cfg.Game, 3)
	require.Len(t, cfg.Video, 3)
	assert.Equal(t, cfg.Game[2].Username, cfg.Video[2].Username)
	assert.NotEqual(t, cfg.Game[2].Credential, cfg.Video[2].Credential)
}
