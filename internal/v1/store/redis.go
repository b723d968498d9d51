// Package store wraps the shared Redis backend behind a typed accessor
// layer. Every cross-actor table lives here and is mutated only through
// its owning component's operations; the keyspace is defined in keys.go.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/pairplay/matchmaking/internal/v1/metrics"
)

// ErrNotFound is returned by read operations when the key is absent.
var ErrNotFound = errors.New("store: not found")

// Service handles all interaction with the Redis backend.
type Service struct {
	client   *redis.Client
	cb       *gobreaker.CircuitBreaker
	embedded *miniredis.Miniredis
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// New creates a robust Redis connection from a REDIS_URL style address.
func New(url string) (*Service, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	rdb := redis.NewClient(opts)

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opts.Addr)
	return &Service{client: rdb, cb: newBreaker()}, nil
}

// NewEmbedded starts an in-process miniredis and points the store at it.
// Used when REDIS_URL is absent: the broker runs single-node and the lease
// and fan-out degrade to the lone replica.
func NewEmbedded() (*Service, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	slog.Warn("REDIS_URL not set: running single-node with an embedded store", "addr", mr.Addr())
	return &Service{client: rdb, cb: newBreaker(), embedded: mr}, nil
}

func newBreaker() *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}
	return gobreaker.NewCircuitBreaker(st)
}

// execute runs op through the circuit breaker, normalizing redis.Nil to
// ErrNotFound and tracking open-breaker rejections.
func (s *Service) execute(op func() (any, error)) (any, error) {
	res, err := s.cb.Execute(op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, err
		}
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res, nil
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection and any embedded store.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.client.Close()
	if s.embedded != nil {
		s.embedded.Close()
	}
	return err
}

// --- JSON payloads ---

// SetJSON stores v marshaled as JSON under key with an optional TTL
// (ttl <= 0 stores without expiry).
func (s *Service) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", key, err)
	}
	_, err = s.execute(func() (any, error) {
		if ttl > 0 {
			return nil, s.client.Set(ctx, key, data, ttl).Err()
		}
		return nil, s.client.Set(ctx, key, data, 0).Err()
	})
	return err
}

// GetJSON reads key and unmarshals it into v. Returns ErrNotFound when
// the key is absent.
func (s *Service) GetJSON(ctx context.Context, key string, v any) error {
	res, err := s.execute(func() (any, error) {
		return s.client.Get(ctx, key).Result()
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.(string)), v); err != nil {
		return fmt.Errorf("malformed payload at %s: %w", key, err)
	}
	return nil
}

// --- Plain strings ---

// SetString stores a string value with an optional TTL.
func (s *Service) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// GetString reads a string value. Returns ErrNotFound when absent.
func (s *Service) GetString(ctx context.Context, key string) (string, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.Get(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Del removes one or more keys in a single round trip.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

// --- Sorted sets (queue partitions) ---

// ZAdd inserts member with the given score.
func (s *Service) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

// ZRem removes members from the sorted set.
func (s *Service) ZRem(ctx context.Context, key string, members ...string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.ZRem(ctx, key, toAny(members)...).Err()
	})
	return err
}

// ZRange returns up to limit members in ascending score order.
func (s *Service) ZRange(ctx context.Context, key string, limit int64) ([]string, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.ZRange(ctx, key, 0, limit-1).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// ZCard returns the cardinality of the sorted set.
func (s *Service) ZCard(ctx context.Context, key string) (int64, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.ZCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Sets (online presence) ---

// SetAdd adds a member to a Redis set.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	return err
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	return err
}

// SetMembers retrieves all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- Key scans ---

// ScanKeys iterates the keyspace and returns every key matching pattern.
// Bounded in practice by the pending-room working set.
func (s *Service) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	res, err := s.execute(func() (any, error) {
		var keys []string
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return keys, nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- Leader lease ---

// releaseScript deletes the lease only when it still holds the caller's
// token, so a stalled replica cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLease attempts a set-if-absent claim of key with the given token
// and TTL. Returns false when another holder owns the lease.
func (s *Service) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.SetNX(ctx, key, token, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// ReleaseLease releases the lease iff it still carries token.
func (s *Service) ReleaseLease(ctx context.Context, key, token string) error {
	_, err := s.execute(func() (any, error) {
		return releaseScript.Run(ctx, s.client, []string{key}, token).Result()
	})
	return err
}

// --- Cross-replica fan-out ---

// Publish sends raw bytes to a pub/sub channel. Degrades gracefully when
// the breaker is open: the frame is dropped, matching the at-most-once
// delivery contract.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		slog.Warn("Redis circuit breaker open: dropping publish", "channel", channel)
		return nil
	}
	return err
}

// PSubscribe starts a background goroutine delivering every message on
// channels matching pattern to handler until ctx is cancelled.
func (s *Service) PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) {
	pubsub := s.client.PSubscribe(ctx, pattern)

	go func() {
		defer pubsub.Close()

		slog.Info("Subscribed to Redis pattern", "pattern", pattern)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis pattern subscription closed", "pattern", pattern)
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}

// SocketIDFromEmitChannel extracts the socket id from a fan-out channel
// name, or "" when the channel is not a fan-out channel.
func SocketIDFromEmitChannel(channel string) string {
	const prefix = "socket:emit:"
	if !strings.HasPrefix(channel, prefix) {
		return ""
	}
	return channel[len(prefix):]
}

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
