package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/siteops/approvals/internal/workflow"
	"github.com/siteops/approvals/model"
)

func handleWorkflowCreate(orch *workflow.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if !CapabilitiesFrom(r.Context()).Has(model.CapWorkflowCreate) {
			WriteForbidden(w, "not allowed to create workflows")
			return
		}

		var req model.CreateWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if req.RequesterID == "" {
			req.RequesterID = rctx.SubjectID
		}

		detail, err := orch.CreateWorkflow(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, detail)
	}
}

func handleWorkflowList(orch *workflow.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if !CapabilitiesFrom(r.Context()).Has(model.CapWorkflowList) {
			WriteForbidden(w, "not allowed to list workflows")
			return
		}

		q := r.URL.Query()
		filters := model.WorkflowFilters{
			Status:      q.Get("status"),
			Kind:        q.Get("kind"),
			Priority:    q.Get("priority"),
			RequesterID: q.Get("requester_id"),
		}
		var details []model.FieldError
		filters.Limit, details = queryInt(q.Get("limit"), "limit", details)
		filters.Offset, details = queryInt(q.Get("offset"), "offset", details)
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}

		items, err := orch.ListWorkflows(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func handleWorkflowHistory(orch *workflow.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if model.RequestContextFrom(r.Context()) == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		detail, err := orch.WorkflowHistory(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

func handleWorkflowCancel(orch *workflow.Orchestrator) http.HandlerFunc {
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

		wf, err := orch.Cancel(r.Context(), rctx, chi.URLParam(r, "workflowId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"workflow": wf})
	}
}

// decodeOptional decodes a JSON body into dst. An empty body is allowed.
// It writes a 400 and returns false when the body is malformed.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

func queryInt(raw, field string, details []model.FieldError) (int, []model.FieldError) {
	if raw == "" {
		return 0, details
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, append(details, model.FieldError{
			Field:   field,
			Code:    "INVALID",
			Message: field + " must be a non-negative integer",
		})
	}
	return n, details
}
