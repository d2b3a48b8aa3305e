package transport

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/siteops/approvals/internal/session"
	"github.com/siteops/approvals/model"
)

// handleSessionRevoke revokes the caller's current token until it expires.
func handleSessionRevoke(sessions session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if sessions == nil {
			WriteError(w, model.NewNotFoundError("session revocation is not enabled"))
			return
		}
		if rctx.TokenID == "" {
			WriteError(w, model.NewBadRequestError("token has no jti claim"))
			return
		}

		expiresAt := time.Now().Add(24 * time.Hour)
		if exp, err := jwt.MapClaims(rctx.Claims).GetExpirationTime(); err == nil && exp != nil {
			expiresAt = exp.Time
		}
		if err := sessions.Revoke(r.Context(), rctx.TokenID, expiresAt); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
