// Package session tracks revoked access tokens so a signed-out token is
// rejected before it expires. Revocations live in an injected store, never
// in process-global state, so every replica sees them.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// Store records token revocations by token ID (the jti claim).
type Store interface {
	// Revoke marks tokenID as revoked until the token's own expiry.
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error

	// IsRevoked reports whether tokenID has been revoked.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// --- MemoryStore ---

// MemoryStore keeps revocations in process. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	cache *ttlcache.Cache[string, struct{}]
	clock clock.Clock
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{
		cache: ttlcache.New[string, struct{}](),
		clock: c,
	}
}

// Revoke records tokenID. Tokens that have already expired are ignored.
func (s *MemoryStore) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	s.cache.Set(tokenID, struct{}{}, ttl)
	return nil
}

// IsRevoked reports whether tokenID is revoked.
func (s *MemoryStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	return s.cache.Get(tokenID) != nil, nil
}

// --- RedisStore ---

// RedisStore keeps revocations in Redis with the token's remaining lifetime
// as TTL.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	clock  clock.Clock
}

// NewRedisStore creates a store writing keys prefixed with prefix.
func NewRedisStore(client redis.Cmdable, prefix string, c clock.Clock) *RedisStore {
	if c == nil {
		c = clock.New()
	}
	return &RedisStore{client: client, prefix: prefix, clock: c}
}

// Revoke records tokenID.
func (s *RedisStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis set revocation %q: %w", tokenID, err)
	}
	return nil
}

// IsRevoked reports whether tokenID is revoked.
func (s *RedisStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists revocation %q: %w", tokenID, err)
	}
	return n > 0, nil
}
