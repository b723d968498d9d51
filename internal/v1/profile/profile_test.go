package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairplay/matchmaking/internal/v1/types"
)

func TestGetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/user-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Profile{
			Gender:   types.GenderFemale,
			Location: "US",
			Tier:     types.TierGold,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	p, err := c.GetProfile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.UID("user-1"), p.UID)
	assert.Equal(t, types.TierGold, p.Tier)
	assert.Equal(t, types.GenderFemale, p.Gender)
}

func TestGetProfileUnknownUserDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	p, err := c.GetProfile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, p.Tier)
}

func TestGetProfileDegradesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	p, err := c.GetProfile(context.Background(), "user-1")
	require.NoError(t, err, "a broken profile service must not block queue admission")
	assert.Equal(t, types.TierFree, p.Tier)
}

func TestIncrementStat(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users/user-1/stats", r.URL.Path)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.IncrementStat(context.Background(), "user-1", "skips"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestIncrementStatSkipsGuests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.IncrementStat(context.Background(), "guest_abc", "skips"))
	assert.Zero(t, hits.Load(), "guests accrue no stats")
}

func TestNullProvider(t *testing.T) {
	p := NullProvider{}

	prof, err := p.GetProfile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, prof.Tier)

	require.NoError(t, p.IncrementStat(context.Background(), "user-1", "skips"))
}
