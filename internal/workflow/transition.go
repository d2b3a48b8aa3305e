package workflow

import (
	"fmt"
	"time"

	"github.com/siteops/approvals/model"
)

// Outcome is the result of applying a transition: the records to commit and
// the notification to emit once they are committed.
type Outcome struct {
	Workflow model.Workflow
	Step     model.Step
	History  model.HistoryEntry
	Event    string
}

// CheckActive verifies that step can receive a decision within wf.
func CheckActive(wf model.Workflow, step model.Step) error {
	if step.Status != model.StepStatusPending {
		return model.NewAlreadyDecidedError(step.ID, step.Status).WithWorkflow(wf.ID)
	}
	if wf.IsTerminal() {
		return model.NewWorkflowClosedError(wf.ID, wf.Status).WithStep(step.ID)
	}
	if step.StepNumber != wf.CurrentStepNumber {
		return model.NewStepNotActiveError(
			fmt.Sprintf("step %d is not the active step (current step is %d)", step.StepNumber, wf.CurrentStepNumber),
		).WithWorkflow(wf.ID).WithStep(step.ID)
	}
	if wf.AwaitingRouting() {
		return model.NewStepNotActiveError(
			"workflow is awaiting routing and has no current approver",
		).WithWorkflow(wf.ID).WithStep(step.ID)
	}
	return nil
}

// Apply records decision on the active step and moves the workflow forward.
// A rejection closes the workflow. An approval or skip of the last step (by
// the stored TotalSteps) approves it, otherwise the next step becomes active
// and next must be that step.
func Apply(wf model.Workflow, step model.Step, next *model.Step, actorID, decision, comment, historyID string, now time.Time) (Outcome, error) {
	if err := CheckActive(wf, step); err != nil {
		return Outcome{}, err
	}

	// 1. Mark the step.
	switch decision {
	case model.DecisionApproved:
		step.Status = model.StepStatusApproved
	case model.DecisionRejected:
		step.Status = model.StepStatusRejected
	case model.DecisionSkipped:
		step.Status = model.StepStatusSkipped
	default:
		return Outcome{}, model.NewBadRequestError(fmt.Sprintf("unsupported decision %q", decision))
	}
	step.DecidedAt = &now
	if comment != "" {
		step.Comments = appendComment(step.Comments, comment)
	}

	wf.UpdatedAt = now
	out := Outcome{
		History: model.HistoryEntry{
			ID:         historyID,
			WorkflowID: wf.ID,
			StepID:     step.ID,
			StepNumber: step.StepNumber,
			ActorID:    actorID,
			Decision:   decision,
			Comment:    comment,
			Timestamp:  now,
		},
	}

	// 2. Rejection ends the workflow.
	// 3. Approving the last step approves it, otherwise advance.
	switch {
	case decision == model.DecisionRejected:
		closeWorkflow(&wf, model.WorkflowStatusRejected, now)
		out.Event = model.EventWorkflowRejected
	case step.StepNumber >= wf.TotalSteps:
		closeWorkflow(&wf, model.WorkflowStatusApproved, now)
		out.Event = model.EventWorkflowApproved
	default:
		if next == nil || next.StepNumber != step.StepNumber+1 {
			return Outcome{}, fmt.Errorf("workflow %q: step %d has no successor", wf.ID, step.StepNumber)
		}
		approver := next.ApproverID
		wf.Status = model.WorkflowStatusInProgress
		wf.CurrentStepNumber = next.StepNumber
		wf.CurrentApproverID = &approver
		out.Event = model.EventWorkflowAdvanced
		if decision == model.DecisionSkipped {
			out.Event = model.EventStepSkipped
		}
	}

	out.Workflow = wf
	out.Step = step
	return out, nil
}

// Cancel closes an open workflow without deciding its active step.
func Cancel(wf model.Workflow, active model.Step, actorID, reason, historyID string, now time.Time) (Outcome, error) {
	if wf.IsTerminal() {
		return Outcome{}, model.NewWorkflowClosedError(wf.ID, wf.Status)
	}
	closeWorkflow(&wf, model.WorkflowStatusCancelled, now)
	wf.UpdatedAt = now
	return Outcome{
		Workflow: wf,
		History: model.HistoryEntry{
			ID:         historyID,
			WorkflowID: wf.ID,
			StepID:     active.ID,
			StepNumber: active.StepNumber,
			ActorID:    actorID,
			Decision:   model.DecisionCancelled,
			Comment:    reason,
			Timestamp:  now,
		},
		Event: model.EventWorkflowCancelled,
	}, nil
}

// Reassign moves step to a new approver. When step is the active step of an
// owned workflow the workflow's current approver follows it.
func Reassign(wf model.Workflow, step model.Step, approverID, note string, now time.Time) (model.Workflow, model.Step) {
	step.ApproverID = approverID
	if note != "" {
		step.Comments = appendComment(step.Comments, note)
	}
	if step.StepNumber == wf.CurrentStepNumber && !wf.AwaitingRouting() {
		id := approverID
		wf.CurrentApproverID = &id
	}
	wf.UpdatedAt = now
	return wf, step
}

// AwaitRouting removes the workflow's current owner and marks it with substate.
func AwaitRouting(wf model.Workflow, substate string, now time.Time) (model.Workflow, error) {
	if wf.IsTerminal() {
		return wf, model.NewWorkflowClosedError(wf.ID, wf.Status)
	}
	if wf.AwaitingRouting() {
		return wf, model.NewConflictError(fmt.Sprintf("workflow %q is already awaiting routing", wf.ID)).WithWorkflow(wf.ID)
	}
	wf.Status = model.WorkflowStatusInProgress
	wf.Substate = substate
	wf.CurrentApproverID = nil
	wf.UpdatedAt = now
	return wf, nil
}

// Route assigns an awaiting workflow's active step to approverID and clears
// the routing substate.
func Route(wf model.Workflow, active model.Step, approverID string, now time.Time) (model.Workflow, model.Step, error) {
	if wf.IsTerminal() {
		return wf, active, model.NewWorkflowClosedError(wf.ID, wf.Status)
	}
	if !wf.AwaitingRouting() {
		return wf, active, model.NewConflictError(fmt.Sprintf("workflow %q is not awaiting routing", wf.ID)).WithWorkflow(wf.ID)
	}
	if active.StepNumber != wf.CurrentStepNumber {
		return wf, active, model.NewStepNotActiveError(
			fmt.Sprintf("step %d is not the active step", active.StepNumber),
		).WithWorkflow(wf.ID).WithStep(active.ID)
	}
	active.ApproverID = approverID
	id := approverID
	wf.Substate = ""
	wf.CurrentApproverID = &id
	wf.UpdatedAt = now
	return wf, active, nil
}

func closeWorkflow(wf *model.Workflow, status string, now time.Time) {
	wf.Status = status
	wf.Substate = ""
	wf.CurrentApproverID = nil
	wf.CompletedAt = &now
}

func appendComment(existing, comment string) string {
	if existing == "" {
		return comment
	}
	return existing + "\n" + comment
}
