package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// wsConnection is the subset of the WebSocket connection the client
// uses, narrowed so tests can substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one WebSocket connection bound to a uid.
type Client struct {
	hub      *Hub
	conn     wsConnection
	socketID types.SocketID
	uid      types.UID
	isAdmin  bool

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

// SocketID returns the connection's socket id.
func (c *Client) SocketID() types.SocketID { return c.socketID }

// UID returns the identity bound to the connection.
func (c *Client) UID() types.UID { return c.uid }

// Disconnect closes the send channel, which drains the write pump and
// closes the connection. Safe to call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// SendRaw queues a pre-serialized frame. Frames to a closed or congested
// client are dropped; delivery is at-most-once.
func (c *Client) SendRaw(frame []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Dropped frame to closing client",
				zap.String("socketId", string(c.socketID)))
		}
	}()

	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "Client send channel full, dropping frame",
			zap.String("socketId", string(c.socketID)))
	}
}

// readPump processes inbound frames until the connection drops, then
// triggers the disconnect path.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.handleDisconnect(ctx, c)
		c.Disconnect()
		c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(ctx, "Malformed frame", zap.Error(err))
			c.hub.emitError(ctx, c, "malformed frame")
			continue
		}
		if msg.Event == "" {
			c.hub.emitError(ctx, c, "missing event")
			continue
		}

		c.hub.dispatch(ctx, c, &msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	const writeWait = 10 * time.Second

	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logging.Error(context.Background(), "error writing frame", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
