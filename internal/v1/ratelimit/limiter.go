// Package ratelimit guards the socket handshake and queue admission
// against abuse. Limits live in the shared Redis store so they hold
// across replicas; without Redis they fall back to process memory. The
// limiter always fails open: a broken store must not take matchmaking
// down with it.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// Limiter enforces the per-IP handshake limit and the per-user
// join_queue limit.
type Limiter struct {
	wsIP     *limiter.Limiter
	joinUser *limiter.Limiter
}

// New creates a Limiter from formatted rates like "30-M". A nil Redis
// client selects the in-memory store.
func New(wsIPRate, joinUserRate string, redisClient *redis.Client) (*Limiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	joinRate, err := limiter.NewRateFromFormatted(joinUserRate)
	if err != nil {
		return nil, fmt.Errorf("invalid join rate: %w", err)
	}

	var st limiter.Store
	if redisClient != nil {
		st, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
	} else {
		st = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using in-memory store")
	}

	return &Limiter{
		wsIP:     limiter.New(st, ipRate),
		joinUser: limiter.New(st, joinRate),
	}, nil
}

// CheckHandshake enforces the per-IP connection limit on the WebSocket
// upgrade path. Returns false after writing the 429 response.
func (l *Limiter) CheckHandshake(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := l.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}
	return true
}

// AllowJoin enforces the per-user join_queue limit. Returns false when
// the user should be told to slow down.
func (l *Limiter) AllowJoin(ctx context.Context, uid types.UID) bool {
	lctx, err := l.joinUser.Get(ctx, "join:"+string(uid))
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("join_queue", "user").Inc()
		return false
	}
	return true
}
