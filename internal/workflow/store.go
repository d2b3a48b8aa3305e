package workflow

import (
	"context"

	"github.com/siteops/approvals/model"
)

// Store persists workflows, their steps and their decision history.
type Store interface {
	// CreateWorkflow persists a workflow and all of its steps atomically.
	CreateWorkflow(ctx context.Context, wf model.Workflow, steps []model.Step) error

	// GetWorkflow retrieves a workflow by ID. Returns NOT_FOUND if absent.
	GetWorkflow(ctx context.Context, workflowID string) (model.Workflow, error)

	// GetStep retrieves a step by ID. Returns NOT_FOUND if absent.
	GetStep(ctx context.Context, stepID string) (model.Step, error)

	// LoadStep retrieves a step and its workflow as one consistent read.
	// Returns NOT_FOUND if the step is absent.
	LoadStep(ctx context.Context, stepID string) (model.Step, model.Workflow, error)

	// ListSteps returns the steps of a workflow ordered by step number.
	ListSteps(ctx context.Context, workflowID string) ([]model.Step, error)

	// Commit applies a mutation atomically. Returns CONFLICT if any record's
	// stored version differs from the mutation's, or if the mutated step is no
	// longer pending.
	Commit(ctx context.Context, m Mutation) error

	// ListWorkflows returns workflows matching the filters, newest first.
	ListWorkflows(ctx context.Context, filters model.WorkflowFilters) ([]model.Workflow, error)

	// ListPending returns pending steps assigned to the actor in non-terminal
	// workflows, ordered by step due date (nulls last), then workflow creation
	// time, then step number. Unless includeUpcoming is set only actionable
	// active steps are returned.
	ListPending(ctx context.Context, actorID string, includeUpcoming bool) ([]model.PendingItem, error)

	// History returns the decision history of a workflow, oldest first.
	History(ctx context.Context, workflowID string) ([]model.HistoryEntry, error)
}

// Mutation is one atomic write against a workflow. Workflow and Step carry
// their new state with Version set to the version that was read; the store
// persists them at Version+1.
type Mutation struct {
	Workflow model.Workflow
	Step     *model.Step
	History  *model.HistoryEntry
}

// Default and maximum page sizes for ListWorkflows.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// normalizeFilters clamps the paging fields of f.
func normalizeFilters(f model.WorkflowFilters) model.WorkflowFilters {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// isActionable reports whether step is the active step of an owned,
// non-terminal workflow.
func isActionable(wf model.Workflow, step model.Step) bool {
	return !wf.IsTerminal() &&
		!wf.AwaitingRouting() &&
		step.Status == model.StepStatusPending &&
		step.StepNumber == wf.CurrentStepNumber
}
