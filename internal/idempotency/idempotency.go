// Package idempotency deduplicates retried creation requests. A replayed
// request with the same key and body gets the original response; the same
// key with a different body, or while the first request is still running,
// is a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/siteops/approvals/model"
)

// Store saves responses keyed by idempotency key. A caller first reserves
// the key, runs the request, then either saves the response or releases the
// reservation so the request can be retried.
type Store interface {
	// Reserve claims key for a request with requestHash until ttl elapses.
	// A nil record and nil error mean the caller holds the key. A completed
	// request with the same hash returns its record. A different hash, or a
	// request with the same key still in flight, is a CONFLICT error.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, error)

	// Save replaces the reservation of key with rec for ttl.
	Save(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Release drops the reservation of key without saving a response.
	Release(ctx context.Context, key string) error
}

// Record is a saved response, or a reservation while InFlight is set.
type Record struct {
	RequestHash string          `json:"request_hash"`
	InFlight    bool            `json:"in_flight,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// HashRequest returns the hex SHA-256 of a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// FormatKey builds the storage key for a client-supplied idempotency key,
// scoped to the caller and the operation.
func FormatKey(prefix, subjectID, operation, key string) string {
	return fmt.Sprintf("%s%s:%s:%s", prefix, subjectID, operation, key)
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// existing resolves a Reserve that found rec already stored under key.
func existing(key string, rec Record, requestHash string) (*Record, error) {
	if rec.RequestHash != requestHash {
		return nil, conflict(key)
	}
	if rec.InFlight {
		return nil, model.NewConflictError(fmt.Sprintf("a request with idempotency key %q is still in progress", key))
	}
	return &rec, nil
}

// --- MemoryStore ---

// MemoryStore is an in-process Store with TTL expiry. Suitable for tests
// and single-instance deployments.
type MemoryStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, Record]
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: ttlcache.New[string, Record](),
	}
}

// Reserve claims key unless a live record holds it.
func (s *MemoryStore) Reserve(_ context.Context, key, requestHash string, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(key); item != nil {
		return existing(key, item.Value(), requestHash)
	}
	s.cache.Set(key, Record{RequestHash: requestHash, InFlight: true}, ttl)
	return nil, nil
}

// Save stores rec with ttl.
func (s *MemoryStore) Save(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, rec, ttl)
	return nil
}

// Release drops key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key)
	return nil
}

// Len returns the number of live entries. For testing.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// --- RedisStore ---

// reserveAttempts bounds the SETNX/GET loop when a record expires between
// the two commands.
const reserveAttempts = 3

// RedisStore is a Redis-backed Store. Reservations are taken with SET NX so
// concurrent instances agree on a single owner per key.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store on client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve claims key with SET NX, or resolves the record already there.
func (s *RedisStore) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, error) {
	marker, err := json.Marshal(Record{RequestHash: requestHash, InFlight: true})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency reservation: %w", err)
	}

	for range reserveAttempts {
		ok, err := s.client.SetNX(ctx, key, marker, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal idempotency record %q: %w", key, err)
		}
		return existing(key, rec, requestHash)
	}
	return nil, fmt.Errorf("reserve idempotency key %q: record kept expiring", key)
}

// Save stores rec in Redis with ttl.
func (s *RedisStore) Save(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
