// Package ice mints short-lived TURN credentials and assembles the ICE
// server lists handed to clients. Credentials follow the long-term
// credential convention understood by coturn: the username carries an
// expiry timestamp and the password is an HMAC over it.
package ice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/pairplay/matchmaking/internal/v1/types"
)

// CredentialTTL is how long a minted TURN credential stays valid.
const CredentialTTL = 24 * time.Hour

// staticSTUN is always prepended so clients can gather server-reflexive
// candidates even when no TURN relay is configured.
var staticSTUN = []Server{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Server is one entry of an RTCIceServer list, JSON-shaped for the wire.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config is the full payload delivered on an ice_servers_config frame.
type Config struct {
	Game  []Server `json:"game"`
	Video []Server `json:"video"`
}

// TurnEndpoint is one relay deployment: its URL and the shared secret the
// relay verifies HMACs against.
type TurnEndpoint struct {
	URL    string
	Secret string
}

// Configured reports whether the endpoint can mint credentials.
func (e TurnEndpoint) Configured() bool {
	return e.URL != "" && e.Secret != ""
}

// Minter builds per-user ICE configurations for the game and video relays.
type Minter struct {
	game  TurnEndpoint
	video TurnEndpoint
	clock clock.PassiveClock
}

// New creates a Minter for the given relay endpoints. Either endpoint may
// be unconfigured, in which case its list carries only the STUN entries.
func New(game, video TurnEndpoint) *Minter {
	return &Minter{game: game, video: video, clock: clock.RealClock{}}
}

// NewWithClock creates a Minter with an injected clock for tests.
func NewWithClock(game, video TurnEndpoint, c clock.PassiveClock) *Minter {
	return &Minter{game: game, video: video, clock: c}
}

// ConfigFor assembles the complete ICE configuration for uid.
func (m *Minter) ConfigFor(_ context.Context, uid types.UID) Config {
	return Config{
		Game:  m.serversFor(uid, m.game),
		Video: m.serversFor(uid, m.video),
	}
}

func (m *Minter) serversFor(uid types.UID, e TurnEndpoint) []Server {
	servers := make([]Server, 0, len(staticSTUN)+1)
	servers = append(servers, staticSTUN...)
	if !e.Configured() {
		return servers
	}

	username, credential := m.mint(uid, e.Secret)
	servers = append(servers, Server{
		URLs:       []string{e.URL},
		Username:   username,
		Credential: credential,
	})
	return servers
}

// mint derives a time-limited credential pair: the username is
// "{expiryUnix}:{uid}" and the credential is base64(HMAC-SHA1(secret,
// username)). The same inputs at the same instant always yield the same
// pair.
func (m *Minter) mint(uid types.UID, secret string) (string, string) {
	expiry := m.clock.Now().Add(CredentialTTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, uid)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return username, credential
}
