// Package capability resolves and caches actor capabilities from a static
// role table.
package capability

import (
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

// Resolver implements model.CapabilityResolver with a TTL cache keyed by
// subject and role set.
type Resolver struct {
	evaluator model.PolicyEvaluator
	cache     *ttlcache.Cache[string, model.CapabilitySet]
	metrics   *observability.Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	capacity uint64
	metrics  *observability.Metrics
}

// WithCapacity bounds the number of cached capability sets.
func WithCapacity(n int) ResolverOption {
	return func(o *resolverOptions) {
		if n > 0 {
			o.capacity = uint64(n)
		}
	}
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(o *resolverOptions) { o.metrics = m }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	var o resolverOptions
	for _, opt := range opts {
		opt(&o)
	}
	cacheOpts := []ttlcache.Option[string, model.CapabilitySet]{
		ttlcache.WithTTL[string, model.CapabilitySet](ttl),
	}
	if o.capacity > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, model.CapabilitySet](o.capacity))
	}
	return &Resolver{
		evaluator: evaluator,
		cache:     ttlcache.New(cacheOpts...),
		metrics:   o.metrics,
	}
}

func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	if item := r.cache.Get(key); item != nil {
		r.metrics.RecordCapabilityCacheHit()
		return item.Value(), nil
	}
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.cache.Set(key, caps, ttlcache.DefaultTTL)
	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
		}
	}
}

// Len returns the number of cached entries. For testing.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
