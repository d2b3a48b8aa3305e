package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/session"
	"github.com/siteops/approvals/model"
)

const (
	jwksMinRefresh = 5 * time.Minute
	jwksMaxBody    = 1 << 20
	tokenLeeway    = 30 * time.Second
)

var (
	errUnknownKey   = errors.New("unknown signing key")
	errAlgorithm    = errors.New("signing algorithm not allowed")
	errNoKeyID      = errors.New("token header has no kid")
	errTokenRevoked = errors.New("token revoked")
)

// JWKSClient serves the identity provider's signing keys by kid. The key
// set is refetched when it is older than the TTL or a kid is missing, at
// most once per jwksMinRefresh. A failed refetch keeps serving the last good
// set.
type JWKSClient struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger *zap.Logger

	fetchMu sync.Mutex

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// NewJWKSClient returns a client for the key set at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		keys:   map[string]crypto.PublicKey{},
	}
}

// GetKey returns the public key published under kid.
func (c *JWKSClient) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if key, ok, fresh := c.cached(kid); ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		if key, ok, _ := c.cached(kid); ok {
			c.logger.Warn("jwks refresh failed, serving cached key",
				zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: %w", err)
	}
	if key, ok, _ := c.cached(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("jwks: %w %q", errUnknownKey, kid)
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Since(c.fetched) <= c.ttl
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.RLock()
	recent := len(c.keys) > 0 && time.Since(c.fetched) < jwksMinRefresh
	c.mu.RUnlock()
	if recent {
		return nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keys = keys
	c.fetched = time.Now()
	c.mu.Unlock()
	c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

func (c *JWKSClient) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", c.url, resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// jsonWebKey holds the RFC 7517 members needed for RSA and EC signing keys.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(member, v string) (*big.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("missing %s", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// tokenVerifier checks bearer tokens against the identity configuration and
// the revocation list.
type tokenVerifier struct {
	cfg      config.IdentityConfig
	jwks     *JWKSClient
	sessions session.Store
}

func (v *tokenVerifier) verify(ctx context.Context, raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			if !slices.Contains(v.cfg.Algorithms, t.Method.Alg()) {
				return nil, errAlgorithm
			}
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errNoKeyID
			}
			return v.jwks.GetKey(ctx, kid)
		},
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	if jti, _ := claims["jti"].(string); jti != "" && v.sessions != nil {
		revoked, err := v.sessions.IsRevoked(ctx, jti)
		if err != nil {
			return nil, fmt.Errorf("check revocation of %q: %w", jti, err)
		}
		if revoked {
			return nil, errTokenRevoked
		}
	}
	return claims, nil
}

// JWTAuthenticator returns middleware that admits requests carrying a valid
// bearer token and stores its claims in the request context. With a
// non-nil sessions store, tokens whose jti was revoked by logout are
// refused.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient, sessions session.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &tokenVerifier{cfg: cfg, jwks: jwks, sessions: sessions}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteError(w, model.NewUnauthorizedError("Missing bearer token"))
				return
			}
			claims, err := v.verify(r.Context(), raw)
			if err != nil {
				msg, internal := rejection(err)
				if internal {
					logger.Error("token verification failed", zap.Error(err))
					WriteError(w, model.NewInternalError())
					return
				}
				logger.Debug("token rejected", zap.String("reason", msg), zap.Error(err))
				WriteError(w, model.NewUnauthorizedError(msg))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// rejection maps a verification error to the 401 message shown to the
// caller. internal is set when the error is ours rather than the token's.
func rejection(err error) (msg string, internal bool) {
	switch {
	case errors.Is(err, errTokenRevoked):
		return "Token revoked", false
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired", false
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer", false
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience", false
	case errors.Is(err, errAlgorithm):
		return "Disallowed signing algorithm", false
	case errors.Is(err, errUnknownKey), errors.Is(err, errNoKeyID):
		return "Unknown signing key", false
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature", false
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Invalid token", false
	default:
		return "", true
	}
}
