// Package escalation applies the HSE incident policy on top of the generic
// workflow engine. The policy decides the inputs of a workflow (approver
// chain, priority, whether tier-2 must take ownership); the transition engine
// never sees a severity.
package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/siteops/approvals/model"
)

// Incident severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// HSE priority labels derived from severity.
const (
	HSEPriorityP1Critical = "P1_CRITICAL"
	HSEPriorityP2High     = "P2_HIGH"
	HSEPriorityP3Medium   = "P3_MEDIUM"
	HSEPriorityP4Low      = "P4_LOW"
)

// Step names of the HSE approval chain.
const (
	StepSupervisorReview   = "Supervisor review"
	StepHSEManagerApproval = "HSE manager approval"
	StepDirectorSignOff    = "Director sign-off"
)

// Decision is the outcome of applying the policy to an incident severity.
type Decision struct {
	Severity      string `json:"severity"`
	HSEPriority   string `json:"hse_priority"`
	Priority      string `json:"priority"`
	Tier2Required bool   `json:"tier2_required"`
}

var severityTable = map[string]Decision{
	SeverityCritical: {HSEPriority: HSEPriorityP1Critical, Priority: model.PriorityUrgent, Tier2Required: true},
	SeverityHigh:     {HSEPriority: HSEPriorityP2High, Priority: model.PriorityHigh, Tier2Required: true},
	SeverityMedium:   {HSEPriority: HSEPriorityP3Medium, Priority: model.PriorityMedium},
	SeverityLow:      {HSEPriority: HSEPriorityP4Low, Priority: model.PriorityLow},
}

// Evaluate maps severity to its HSE priority, workflow priority and tier-2
// requirement. Severity is matched case-insensitively.
func Evaluate(severity string) (Decision, error) {
	s := strings.ToLower(strings.TrimSpace(severity))
	d, ok := severityTable[s]
	if !ok {
		return Decision{}, model.NewValidationError([]model.FieldError{{
			Field:   "severity",
			Code:    "INVALID",
			Message: fmt.Sprintf("severity %q is not one of critical, high, medium, low", severity),
		}})
	}
	d.Severity = s
	return d, nil
}

// IncidentRequest is the input to HSE workflow creation.
type IncidentRequest struct {
	IncidentID   string     `json:"incident_id"`
	Severity     string     `json:"severity"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Location     string     `json:"location,omitempty"`
	Injuries     *int       `json:"injuries,omitempty"`
	RequesterID  string     `json:"requester_id,omitempty"`
	SupervisorID string     `json:"supervisor_id"`
	HSEManagerID string     `json:"hse_manager_id"`
	DirectorID   string     `json:"director_id,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
}

func (r IncidentRequest) validate() []model.FieldError {
	var details []model.FieldError
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			details = append(details, model.FieldError{
				Field: field, Code: "REQUIRED", Message: field + " is required",
			})
		}
	}
	required("incident_id", r.IncidentID)
	required("severity", r.Severity)
	required("title", r.Title)
	required("supervisor_id", r.SupervisorID)
	required("hse_manager_id", r.HSEManagerID)
	if r.Injuries != nil && *r.Injuries < 0 {
		details = append(details, model.FieldError{
			Field: "injuries", Code: "INVALID", Message: "injuries cannot be negative",
		})
	}
	return details
}

// BuildChain returns the approver chain for an incident. When d does not
// require tier-2 the HSE manager (tier-1) owns the first step, followed by
// supervisor review (delegable). Incidents held for tier-2 routing keep
// supervisor review first. A named director adds a final sign-off step.
func BuildChain(r IncidentRequest, d Decision) []model.ApproverSpec {
	supervisor := model.ApproverSpec{ApproverID: r.SupervisorID, StepName: StepSupervisorReview, CanDelegate: true, DueDate: r.DueDate}
	manager := model.ApproverSpec{ApproverID: r.HSEManagerID, StepName: StepHSEManagerApproval, DueDate: r.DueDate}

	chain := []model.ApproverSpec{supervisor, manager}
	if !d.Tier2Required {
		chain = []model.ApproverSpec{manager, supervisor}
	}
	if strings.TrimSpace(r.DirectorID) != "" {
		chain = append(chain, model.ApproverSpec{
			ApproverID: r.DirectorID, StepName: StepDirectorSignOff, DueDate: r.DueDate,
		})
	}
	return chain
}

// BuildRequest applies d to r and returns the generic workflow request.
func BuildRequest(r IncidentRequest, d Decision) model.CreateWorkflowRequest {
	payload := map[string]any{
		"incident_id":    r.IncidentID,
		"severity":       d.Severity,
		"hse_priority":   d.HSEPriority,
		"tier2_required": d.Tier2Required,
	}
	if r.Location != "" {
		payload["location"] = r.Location
	}
	if r.Injuries != nil {
		payload["injuries"] = *r.Injuries
	}

	return model.CreateWorkflowRequest{
		Kind:        model.KindHSEIncident,
		Title:       r.Title,
		Description: r.Description,
		Priority:    d.Priority,
		RequesterID: r.RequesterID,
		Payload:     payload,
		DueDate:     r.DueDate,
		Approvers:   BuildChain(r, d),
	}
}
