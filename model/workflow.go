package model

import "time"

// Workflow status constants.
const (
	WorkflowStatusPending    = "pending"
	WorkflowStatusInProgress = "in_progress"
	WorkflowStatusApproved   = "approved"
	WorkflowStatusRejected   = "rejected"
	WorkflowStatusCancelled  = "cancelled"
)

// Step status constants.
const (
	StepStatusPending  = "pending"
	StepStatusApproved = "approved"
	StepStatusRejected = "rejected"
	StepStatusSkipped  = "skipped"
)

// Workflow priority constants.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Workflow kinds.
const (
	KindHSEIncident       = "hse_incident"
	KindTrainingApproval  = "training_approval"
	KindEquipmentPurchase = "equipment_purchase"
	KindPolicyChange      = "policy_change"
	KindAuditPlan         = "audit_plan"
)

// SubstateRequiresTier2 marks an in-progress workflow whose ownership has been
// redirected to the senior approval tier and is waiting for a tier-2 actor.
const SubstateRequiresTier2 = "requires_tier2"

// Decision values recorded in a workflow's history.
const (
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionSkipped   = "skipped"
	DecisionCancelled = "cancelled"
)

// Workflow is an ordered approval chain. Its steps are stored separately and
// referenced by WorkflowID.
type Workflow struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Status            string         `json:"status"`
	Substate          string         `json:"substate,omitempty"`
	Priority          string         `json:"priority"`
	RequesterID       string         `json:"requester_id"`
	CurrentApproverID *string        `json:"current_approver_id"`
	CurrentStepNumber int            `json:"current_step_number"`
	TotalSteps        int            `json:"total_steps"`
	Payload           map[string]any `json:"payload,omitempty"`
	DueDate           *time.Time     `json:"due_date,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the workflow reached approved, rejected or
// cancelled.
func (w Workflow) IsTerminal() bool {
	return IsTerminalWorkflowStatus(w.Status)
}

// AwaitingRouting reports whether an open workflow currently has no owner.
func (w Workflow) AwaitingRouting() bool {
	return !w.IsTerminal() && w.CurrentApproverID == nil
}

// IsTerminalWorkflowStatus reports whether status is a terminal workflow status.
func IsTerminalWorkflowStatus(status string) bool {
	switch status {
	case WorkflowStatusApproved, WorkflowStatusRejected, WorkflowStatusCancelled:
		return true
	}
	return false
}

// Step is a single approval in a workflow's chain.
type Step struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	StepNumber  int        `json:"step_number"`
	Name        string     `json:"name"`
	ApproverID  string     `json:"approver_id"`
	Status      string     `json:"status"`
	IsRequired  bool       `json:"is_required"`
	CanDelegate bool       `json:"can_delegate"`
	Comments    string     `json:"comments,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Version     int64      `json:"version"`
}

// HistoryEntry is one decision recorded against a workflow.
type HistoryEntry struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id"`
	StepNumber int       `json:"step_number"`
	ActorID    string    `json:"actor_id"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApproverSpec describes one step of a workflow at creation time.
type ApproverSpec struct {
	ApproverID  string     `json:"approver_id"`
	StepName    string     `json:"step_name"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsRequired  *bool      `json:"is_required,omitempty"`
	CanDelegate bool       `json:"can_delegate,omitempty"`
}

// CreateWorkflowRequest is the input to workflow creation.
type CreateWorkflowRequest struct {
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	RequesterID string         `json:"requester_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	Approvers   []ApproverSpec `json:"approvers"`
}

// WorkflowFilters narrows workflow listings.
type WorkflowFilters struct {
	Status      string
	Kind        string
	Priority    string
	RequesterID string
	Limit       int
	Offset      int
}

// WorkflowDetail is a workflow with its steps and, when requested, history.
type WorkflowDetail struct {
	Workflow Workflow       `json:"workflow"`
	Steps    []Step         `json:"steps"`
	History  []HistoryEntry `json:"history,omitempty"`
}

// WorkflowSummary is a listing row with directory identities joined in.
type WorkflowSummary struct {
	Workflow
	Requester       ActorSummary  `json:"requester"`
	CurrentApprover *ActorSummary `json:"current_approver,omitempty"`
}

// PendingItem is a pending step joined with its workflow and requester.
type PendingItem struct {
	Step      Step         `json:"step"`
	Workflow  Workflow     `json:"workflow"`
	Requester ActorSummary `json:"requester"`
	Active    bool         `json:"active"`
}
