package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/siteops/approvals/internal/workflow"
	"github.com/siteops/approvals/model"
)

// handlePendingMe lists the caller's own pending steps.
func handlePendingMe(orch *workflow.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		writePending(w, r, orch, rctx.SubjectID)
	}
}

// handlePendingFor lists another actor's pending steps. Looking at someone
// else's queue requires the view_others capability.
func handlePendingFor(orch *workflow.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		actorID := chi.URLParam(r, "actorId")
		if actorID != rctx.SubjectID && !CapabilitiesFrom(r.Context()).Has(model.CapPendingViewOthers) {
			WriteForbidden(w, "not allowed to view another actor's pending steps")
			return
		}
		writePending(w, r, orch, actorID)
	}
}

func writePending(w http.ResponseWriter, r *http.Request, orch *workflow.Orchestrator, actorID string) {
	includeUpcoming := false
	if raw := r.URL.Query().Get("include_upcoming"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteValidationError(w, []model.FieldError{{
				Field:   "include_upcoming",
				Code:    "INVALID",
				Message: "include_upcoming must be a boolean",
			}})
			return
		}
		includeUpcoming = v
	}

	items, err := orch.ListPendingFor(r.Context(), actorID, includeUpcoming)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}
