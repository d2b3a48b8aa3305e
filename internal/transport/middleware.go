package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/directory"
	"github.com/siteops/approvals/internal/idempotency"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}
type capabilitiesKey struct{}

// IdempotencyKeyHeader carries the client-supplied idempotency key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// IdempotentReplayHeader is set on responses served from the idempotency store.
const IdempotentReplayHeader = "X-Idempotent-Replay"

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores JWT claims in the context. Used by the auth middleware.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts JWT claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// CapabilitiesFrom extracts the CapabilitySet from the context.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(model.CapabilitySet)
	return caps
}

// Recovery catches panics in downstream handlers, logs them, and returns
// a 500 JSON error response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					WriteError(w, model.NewInternalError())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing based
// on the provided configuration.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := fmt.Sprintf("%d", cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id, "+IdempotentReplayHeader)
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID reads X-Correlation-Id from the request header or generates a
// new one, then stores it in the context and sets the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = generateID()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders sets standard security response headers on all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext constructs a model.RequestContext from the verified
// JWT claims using the configured claim paths. When dir is non-nil the
// caller's directory entry contributes roles and fills a missing name or
// email. A token without a subject is rejected.
func BuildRequestContext(claimPaths map[string]string, dir directory.Directory, logger *zap.Logger) func(http.Handler) http.Handler {
	path := func(key, fallback string) string {
		if p := claimPaths[key]; p != "" {
			return p
		}
		return fallback
	}
	subjectPath := path("subject_id", "sub")
	emailPath := path("email", "email")
	namePath := path("name", "name")
	rolesPath := path("roles", "roles")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:     extractClaimString(claims, subjectPath),
				Email:         extractClaimString(claims, emailPath),
				Name:          extractClaimString(claims, namePath),
				Roles:         extractClaimStringSlice(claims, rolesPath),
				Claims:        claims,
				TokenID:       extractClaimString(claims, "jti"),
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("Token has no subject"))
				return
			}

			if dir != nil {
				actor, err := dir.Lookup(r.Context(), rctx.SubjectID)
				switch {
				case err == nil:
					rctx.Roles = mergeRoles(rctx.Roles, actor.Roles)
					if rctx.Name == "" {
						rctx.Name = actor.Name
					}
					if rctx.Email == "" {
						rctx.Email = actor.Email
					}
				case !model.HasCode(err, model.ErrNotFound):
					logger.Warn("directory lookup failed",
						zap.String("subject_id", rctx.SubjectID),
						zap.Error(err),
					)
				}
			}

			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolveCapabilities returns middleware that eagerly resolves capabilities
// for the current user and stores them in the context.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver != nil {
				rctx := model.RequestContextFrom(r.Context())
				if rctx != nil {
					caps, err := resolver.Resolve(rctx)
					if err != nil {
						logger.Warn("capability resolution failed",
							zap.Error(err),
							zap.String("subject_id", rctx.SubjectID),
						)
					} else {
						ctx := context.WithValue(r.Context(), capabilitiesKey{}, caps)
						r = r.WithContext(ctx)
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging stores a request-scoped logger in the context and logs each
// request with method, path, status, and duration once it completes.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)
			ctx := observability.WithLogger(r.Context(), reqLogger)

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// RateLimiter throttles requests per authenticated subject with a token
// bucket. Idle buckets expire after ten minutes.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *rate.Limiter]
	metrics *observability.Metrics
}

// NewRateLimiter creates a limiter from cfg. A non-positive rate disables
// limiting.
func NewRateLimiter(cfg config.RateLimitConfig, metrics *observability.Metrics) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit: rate.Limit(cfg.RequestsPerSecond),
		burst: burst,
		buckets: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](10*time.Minute),
			ttlcache.WithCapacity[string, *rate.Limiter](100000),
		),
		metrics: metrics,
	}
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	var lim *rate.Limiter
	if item := l.buckets.Get(key); item != nil {
		lim = item.Value()
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Set(key, lim, ttlcache.DefaultTTL)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Middleware rejects requests over the caller's budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			key = rctx.SubjectID
		}
		if !l.Allow(key) {
			l.metrics.RecordRateLimited()
			w.Header().Set("Retry-After", "1")
			WriteError(w, model.NewRateLimitedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Idempotent returns middleware that replays the saved response when a
// request repeats an X-Idempotency-Key with the same body, and rejects a
// reused key with a different body as CONFLICT. The key is reserved before
// the handler runs, so a concurrent retry gets CONFLICT instead of a second
// execution. Only 2xx responses are saved; other outcomes release the key.
// Requests without the header pass through.
func Idempotent(store idempotency.Store, cfg config.IdempotencyConfig, operation string, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil || !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			rctx := model.RequestContextFrom(r.Context())
			if clientKey == "" || rctx == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteError(w, model.NewBadRequestError("unable to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			logger := observability.LoggerFrom(r.Context(), zap.NewNop())
			key := idempotency.FormatKey(cfg.KeyPrefix, rctx.SubjectID, operation, clientKey)
			hash := idempotency.HashRequest(body)

			rec, err := store.Reserve(r.Context(), key, hash, cfg.TTL)
			if err != nil {
				if model.HasCode(err, model.ErrConflict) {
					metrics.RecordIdempotencyConflict()
					WriteError(w, err)
					return
				}
				logger.Error("idempotency reserve failed", zap.String("key", key), zap.Error(err))
				WriteError(w, model.NewInternalError())
				return
			}
			if rec != nil {
				metrics.RecordIdempotencyReplay()
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(rec.StatusCode)
				w.Write(rec.Body)
				return
			}

			saved := false
			defer func() {
				if saved {
					return
				}
				if err := store.Release(context.WithoutCancel(r.Context()), key); err != nil {
					logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
				}
			}()

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.status >= 200 && cw.status < 300 {
				done := idempotency.Record{
					RequestHash: hash,
					StatusCode:  cw.status,
					Body:        cw.body.Bytes(),
				}
				if err := store.Save(context.WithoutCancel(r.Context()), key, done, cfg.TTL); err != nil {
					logger.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
					return
				}
				saved = true
			}
		})
	}
}

// --- helpers ---

// statusWriter wraps http.ResponseWriter to capture the written status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// captureWriter records the status and body while passing them through.
type captureWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.written = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// extractClaimString resolves a dot-separated path such as
// "realm_access.name" against the claims map.
func extractClaimString(claims map[string]any, path string) string {
	v, _ := extractClaim(claims, path).(string)
	return v
}

// extractClaimStringSlice resolves a dot-separated path to a list of
// strings. A single string value becomes a one-element slice.
func extractClaimStringSlice(claims map[string]any, path string) []string {
	switch raw := extractClaim(claims, path).(type) {
	case []any:
		result := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return append([]string(nil), raw...)
	case string:
		if raw == "" {
			return nil
		}
		return []string{raw}
	}
	return nil
}

func extractClaim(claims map[string]any, path string) any {
	if claims == nil || path == "" {
		return nil
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func mergeRoles(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, role := range append(append([]string(nil), a...), b...) {
		if role != "" && !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}
	return out
}

func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
