package directory

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

// CachedDirectory caches successful lookups of an underlying Directory.
// Misses are not cached so newly provisioned actors appear immediately.
type CachedDirectory struct {
	next    Directory
	cache   *ttlcache.Cache[string, model.Actor]
	metrics *observability.Metrics
}

// NewCachedDirectory wraps next with a TTL cache holding at most capacity
// actors. A zero capacity leaves the cache unbounded.
func NewCachedDirectory(next Directory, ttl time.Duration, capacity int, metrics *observability.Metrics) *CachedDirectory {
	opts := []ttlcache.Option[string, model.Actor]{
		ttlcache.WithTTL[string, model.Actor](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, model.Actor](uint64(capacity)))
	}
	return &CachedDirectory{
		next:    next,
		cache:   ttlcache.New(opts...),
		metrics: metrics,
	}
}

// Lookup returns the actor with id, from cache when possible.
func (c *CachedDirectory) Lookup(ctx context.Context, id string) (model.Actor, error) {
	if item := c.cache.Get(id); item != nil {
		c.metrics.RecordDirectoryCacheHit()
		return item.Value(), nil
	}
	c.metrics.RecordDirectoryCacheMiss()

	a, err := c.next.Lookup(ctx, id)
	if err != nil {
		return model.Actor{}, err
	}
	c.cache.Set(id, a, ttlcache.DefaultTTL)
	return a, nil
}

// LookupMany serves cached actors and fetches the rest in one call.
func (c *CachedDirectory) LookupMany(ctx context.Context, ids []string) (map[string]model.Actor, error) {
	out := make(map[string]model.Actor, len(ids))
	var missing []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if item := c.cache.Get(id); item != nil {
			c.metrics.RecordDirectoryCacheHit()
			out[id] = item.Value()
			continue
		}
		c.metrics.RecordDirectoryCacheMiss()
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.next.LookupMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, a := range fetched {
		c.cache.Set(id, a, ttlcache.DefaultTTL)
		out[id] = a
	}
	return out, nil
}

// Invalidate drops a cached actor.
func (c *CachedDirectory) Invalidate(id string) {
	c.cache.Delete(id)
}
