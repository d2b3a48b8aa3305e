package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/siteops/approvals/internal/escalation"
	"github.com/siteops/approvals/model"
)

func handleHSECreate(svc *escalation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req escalation.IncidentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		res, err := svc.CreateHSEWorkflow(r.Context(), rctx, req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handleHSEEscalate(svc *escalation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if !decodeOptional(w, r, &body) {
			return
		}

		wf, err := svc.Escalate(r.Context(), rctx, chi.URLParam(r, "workflowId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"workflow": wf})
	}
}

func handleHSERoute(svc *escalation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		// Without an assignee the active step keeps its approver.
		var body struct {
			AssigneeID string `json:"assignee_id"`
		}
		if !decodeOptional(w, r, &body) {
			return
		}

		wf, err := svc.Route(r.Context(), rctx, chi.URLParam(r, "workflowId"), body.AssigneeID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"workflow": wf})
	}
}
