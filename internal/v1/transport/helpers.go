package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/auth"
	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// Identity is the resolved handshake identity of a connection.
type Identity struct {
	UID   types.UID
	Name  string
	Admin bool
}

// resolveIdentity decides who a handshake belongs to. Three paths, in
// order: the reserved admin identity gated by the server key, a signed
// ID token, and the guest fallback for bare credentials.
func (h *Hub) resolveIdentity(c *gin.Context) (*Identity, error) {
	token := c.Query("token")
	userID := c.Query("userId")
	serverKey := c.Query("serverKey")

	if types.UID(userID) == types.AdminUID {
		if h.serverKey == "" || serverKey != h.serverKey {
			logging.Warn(c.Request.Context(), "Rejected admin handshake with bad server key")
			return nil, errors.New("invalid server key")
		}
		return &Identity{UID: types.AdminUID, Admin: true}, nil
	}

	if token == "" && userID == "" {
		logging.Warn(c.Request.Context(), "Rejected handshake without credential")
		return nil, errors.New("missing credential")
	}

	if token != "" && auth.LooksLikeToken(token) {
		claims, err := h.validator.ValidateToken(token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Token validation failed", zap.Error(err))
			return nil, errors.New("invalid token")
		}
		return &Identity{UID: types.UID(claims.Subject), Name: claims.Name}, nil
	}

	// Guest path: a bare credential is taken as a guest id when already
	// prefixed, otherwise a fresh one is minted.
	guest := userID
	if guest == "" {
		guest = token
	}
	if types.UID(guest).IsGuest() {
		return &Identity{UID: types.UID(guest)}, nil
	}
	return &Identity{UID: types.UID("guest_" + uuid.NewString())}, nil
}

// validateOrigin checks the request origin against the allowlist.
// Non-browser clients without an Origin header pass.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket performs the protocol upgrade.
func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
