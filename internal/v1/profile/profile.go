// Package profile fetches the caller's tier and demographics from the
// profile service and records match statistics back to it. The broker
// degrades rather than fails when the service is down: a fetch error
// yields the free-tier default profile.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/metrics"
	"github.com/pairplay/matchmaking/internal/v1/types"
)

// Profile is the subset of a user record the broker consumes.
type Profile struct {
	UID      types.UID    `json:"uid"`
	Gender   types.Gender `json:"gender"`
	Location string       `json:"location"`
	Tier     types.Tier   `json:"tier"`
}

// Provider is the profile service dependency of the transport and
// session layers.
type Provider interface {
	GetProfile(ctx context.Context, uid types.UID) (*Profile, error)
	IncrementStat(ctx context.Context, uid types.UID, stat string) error
}

// defaultProfile is what a user gets when the service is unreachable or
// has no record: free tier, no demographic targeting.
func defaultProfile(uid types.UID) *Profile {
	return &Profile{UID: uid, Gender: types.GenderMale, Tier: types.TierFree}
}

// Client talks to the profile service over HTTP with a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewClient creates a profile service client for the given base URL.
func NewClient(baseURL string) *Client {
	st := gobreaker.Settings{
		Name:        "profile",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
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
			metrics.CircuitBreakerState.WithLabelValues("profile").Set(stateVal)
		},
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// GetProfile fetches uid's profile. Any failure, including an open
// breaker, degrades to the free-tier default so queue admission never
// blocks on the profile service.
func (c *Client) GetProfile(ctx context.Context, uid types.UID) (*Profile, error) {
	res, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/users/%s", c.baseURL, uid), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return defaultProfile(uid), nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("profile service returned %d", resp.StatusCode)
		}

		var p Profile
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return nil, fmt.Errorf("malformed profile response: %w", err)
		}
		p.UID = uid
		return &p, nil
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("profile").Inc()
		logging.Warn(ctx, "Profile fetch failed, using free-tier default",
			zap.String("user_id", string(uid)), zap.Error(err))
		return defaultProfile(uid), nil
	}
	return res.(*Profile), nil
}

// IncrementStat records a counter bump (matches played, skips, etc.) for
// uid. Guests accrue no stats. Failures are logged and swallowed.
func (c *Client) IncrementStat(ctx context.Context, uid types.UID, stat string) error {
	if uid.IsGuest() || uid.IsBot() {
		return nil
	}

	_, err := c.cb.Execute(func() (any, error) {
		body, _ := json.Marshal(map[string]string{"stat": stat})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/users/%s/stats", c.baseURL, uid), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("profile service returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		logging.Warn(ctx, "Failed to record stat",
			zap.String("user_id", string(uid)), zap.String("stat", stat), zap.Error(err))
	}
	return nil
}

// NullProvider serves the default profile and discards stats. Used when
// no profile service is configured.
type NullProvider struct{}

func (NullProvider) GetProfile(_ context.Context, uid types.UID) (*Profile, error) {
	return defaultProfile(uid), nil
}

func (NullProvider) IncrementStat(context.Context, types.UID, string) error {
	return nil
}
