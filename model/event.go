package model

import "time"

// Notification event types.
const (
	EventWorkflowAdvanced  = "workflow.advanced"
	EventWorkflowApproved  = "workflow.approved"
	EventWorkflowRejected  = "workflow.rejected"
	EventWorkflowCancelled = "workflow.cancelled"
	EventStepDelegated     = "step.delegated"
	EventStepSkipped       = "step.skipped"
	EventHSETier2Required  = "hse.tier2_required"
	EventHSEEscalated      = "hse.escalated"
	EventHSERouted         = "hse.routed"
)

// Notification severities.
const (
	SeverityInfo   = "info"
	SeverityHigh   = "high"
	SeverityUrgent = "urgent"
)

// Event is an outbound notification produced after a state change. Delivery
// is best effort.
type Event struct {
	ID              string    `json:"id"`
	WorkflowID      string    `json:"workflow_id"`
	EventType       string    `json:"event_type"`
	ActorID         string    `json:"actor_id"`
	Message         string    `json:"message"`
	Severity        string    `json:"severity,omitempty"`
	TargetActorHint string    `json:"target_actor_hint,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// RoleTarget formats a target hint addressing every holder of a role.
func RoleTarget(role string) string {
	return "role:" + role
}

// SeverityForPriority maps a workflow priority to the severity of the
// notifications it raises.
func SeverityForPriority(priority string) string {
	switch priority {
	case PriorityUrgent:
		return SeverityUrgent
	case PriorityHigh:
		return SeverityHigh
	default:
		return SeverityInfo
	}
}
