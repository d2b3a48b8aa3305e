package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(baseTime)
	s := NewMemoryStore(clk)
	ctx := context.Background()

	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.Revoke(ctx, "jti-1", baseTime.Add(time.Hour)))
	revoked, err = s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// An already-expired token needs no record.
	require.NoError(t, s.Revoke(ctx, "jti-2", baseTime.Add(-time.Minute)))
	revoked, err = s.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clk := clock.NewMock()
	clk.Set(baseTime)
	s := NewRedisStore(client, "approvals:revoked:", clk)
	ctx := context.Background()

	require.NoError(t, s.Revoke(ctx, "jti-1", baseTime.Add(time.Hour)))
	assert.True(t, mr.Exists("approvals:revoked:jti-1"))
	assert.Equal(t, time.Hour, mr.TTL("approvals:revoked:jti-1"))

	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Hour)
	revoked, err = s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked, "revocation expires with the token")

	require.NoError(t, s.Revoke(ctx, "jti-old", baseTime.Add(-time.Second)))
	assert.False(t, mr.Exists("approvals:revoked:jti-old"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client, "p:", nil)

	mr.Close()
	_, err := s.IsRevoked(context.Background(), "jti-1")
	assert.Error(t, err)
}
