// Package signaling relays SDP and ICE frames between the two sides of a
// pairing. The broker never interprets the payload; it resolves the
// target, stamps the sender, and forwards the frame as-is.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// ErrNoTarget means no addressing field resolved and the sender has no
// session opponent to default to.
var ErrNoTarget = errors.New("signaling: no routable target")

// OpponentResolver resolves the sender's session opponent for the default
// routing path. Satisfied by the session registry.
type OpponentResolver interface {
	OpponentUID(ctx context.Context, uid types.UID) (types.UID, error)
}

// SocketResolver resolves a uid to its current socket binding.
type SocketResolver interface {
	Lookup(ctx context.Context, uid types.UID) (types.SocketID, bool, error)
}

// Router routes signal frames.
type Router struct {
	opponents OpponentResolver
	sockets   SocketResolver
	emitter   types.Emitter
}

// New wires a signaling Router.
func New(o OpponentResolver, s SocketResolver, e types.Emitter) *Router {
	return &Router{opponents: o, sockets: s, emitter: e}
}

// Route decides where a frame goes and what leaves the broker. Addressing
// precedence: an explicit "to" socket id, then a "targetUid", then the
// sender's session opponent. The outbound payload is the inbound one with
// "from" stamped (and "fromUid" on offers); client-supplied sender fields
// are always overwritten.
func (r *Router) Route(ctx context.Context, from types.SocketID, fromUID types.UID, event types.Event, raw json.RawMessage) (types.SocketID, map[string]any, error) {
	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return "", nil, fmt.Errorf("malformed signal payload: %w", err)
		}
	}

	target, err := r.resolveTarget(ctx, fromUID, payload)
	if err != nil {
		return "", nil, err
	}

	// A frame must never echo back to its sender: self-addressed uids
	// resolve to "" and socket-level echoes are caught here.
	if target == "" || target == from {
		return "", nil, nil
	}

	payload["from"] = string(from)
	if event.IsOffer() {
		payload["fromUid"] = string(fromUID)
	}
	return target, payload, nil
}

func (r *Router) resolveTarget(ctx context.Context, fromUID types.UID, payload map[string]any) (types.SocketID, error) {
	if to, ok := payload["to"].(string); ok && to != "" {
		return types.SocketID(to), nil
	}

	if targetUID, ok := payload["targetUid"].(string); ok && targetUID != "" {
		if types.UID(targetUID) == fromUID {
			return "", nil
		}
		sid, found, err := r.sockets.Lookup(ctx, types.UID(targetUID))
		if err != nil {
			return "", err
		}
		if !found {
			return "", ErrNoTarget
		}
		return sid, nil
	}

	opponent, err := r.opponents.OpponentUID(ctx, fromUID)
	if err != nil {
		return "", err
	}
	if opponent == "" {
		return "", ErrNoTarget
	}
	sid, found, err := r.sockets.Lookup(ctx, opponent)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNoTarget
	}
	return sid, nil
}

// Relay routes and delivers a frame end to end, tracking the outcome.
// Undeliverable frames are dropped quietly; signaling is best-effort by
// contract and the peer's ICE layer retries.
func (r *Router) Relay(ctx context.Context, from types.SocketID, fromUID types.UID, event types.Event, raw json.RawMessage) {
	target, payload, err := r.Route(ctx, from, fromUID, event, raw)
	if err != nil {
		metrics.SignalFrames.WithLabelValues(string(event), "unroutable").Inc()
		logging.Debug(ctx, "Dropped unroutable signal frame",
			zap.String("event", string(event)),
			zap.String("from", string(fromUID)),
			zap.Error(err))
		return
	}
	if target == "" {
		metrics.SignalFrames.WithLabelValues(string(event), "loopback").Inc()
		return
	}

	if err := r.emitter.Emit(ctx, target, event, payload); err != nil {
		metrics.SignalFrames.WithLabelValues(string(event), "failed").Inc()
		return
	}
	metrics.SignalFrames.WithLabelValues(string(event), "relayed").Inc()
}
