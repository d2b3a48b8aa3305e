package model

import (
	"context"
	"errors"
	"slices"
)

// ErrNoSubject is returned by Validate for a token without a subject.
var ErrNoSubject = errors.New("request context has no subject")

// RequestContext is the authenticated caller of one request: the token
// subject, roles merged from the token and the actor directory, and the
// IDs used to correlate logs and traces. It is not modified after the
// authentication middleware builds it.
type RequestContext struct {
	SubjectID     string
	Email         string
	Name          string
	Roles         []string
	Claims        map[string]any
	TokenID       string
	CorrelationID string
	TraceID       string
}

// Validate reports ErrNoSubject when SubjectID is empty.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return ErrNoSubject
	}
	return nil
}

// HasRole reports whether the caller holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

type contextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
