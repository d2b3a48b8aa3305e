package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/siteops/approvals/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow       // key: workflow ID
	steps     map[string]model.Step           // key: step ID
	chain     map[string][]string             // key: workflow ID, step IDs by number
	history   map[string][]model.HistoryEntry // key: workflow ID
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.Workflow),
		steps:     make(map[string]model.Step),
		chain:     make(map[string][]string),
		history:   make(map[string][]model.HistoryEntry),
	}
}

// CreateWorkflow persists a workflow and its steps.
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf model.Workflow, steps []model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", wf.ID))
	}
	for _, st := range steps {
		if _, exists := s.steps[st.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("step %q already exists", st.ID))
		}
	}

	ordered := make([]model.Step, len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StepNumber < ordered[j].StepNumber })

	ids := make([]string, 0, len(ordered))
	for _, st := range ordered {
		s.steps[st.ID] = st
		ids = append(ids, st.ID)
	}
	s.chain[wf.ID] = ids
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *MemoryStore) GetWorkflow(_ context.Context, workflowID string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[workflowID]
	if !exists {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return cloneWorkflow(wf), nil
}

// GetStep retrieves a step by ID.
func (s *MemoryStore) GetStep(_ context.Context, stepID string) (model.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.steps[stepID]
	if !exists {
		return model.Step{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	return st, nil
}

// LoadStep retrieves a step and its workflow under one lock.
func (s *MemoryStore) LoadStep(_ context.Context, stepID string) (model.Step, model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.steps[stepID]
	if !exists {
		return model.Step{}, model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	wf, exists := s.workflows[st.WorkflowID]
	if !exists {
		return model.Step{}, model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", st.WorkflowID))
	}
	return st, cloneWorkflow(wf), nil
}

// ListSteps returns the steps of a workflow ordered by step number.
func (s *MemoryStore) ListSteps(_ context.Context, workflowID string) ([]model.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, exists := s.chain[workflowID]
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	result := make([]model.Step, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.steps[id])
	}
	return result, nil
}

// Commit applies a mutation with optimistic version checks.
func (s *MemoryStore) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.workflows[m.Workflow.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", m.Workflow.ID))
	}
	if existing.Version != m.Workflow.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d, got %d)", m.Workflow.ID, m.Workflow.Version, existing.Version),
		)
	}

	if m.Step != nil {
		st, exists := s.steps[m.Step.ID]
		if !exists || st.WorkflowID != m.Workflow.ID {
			return model.NewNotFoundError(fmt.Sprintf("step %q not found", m.Step.ID))
		}
		if st.Version != m.Step.Version || st.Status != model.StepStatusPending {
			return model.NewConflictError(
				fmt.Sprintf("step %q was modified concurrently", m.Step.ID),
			)
		}
		next := *m.Step
		next.Version++
		s.steps[next.ID] = next
	}

	wf := cloneWorkflow(m.Workflow)
	wf.Version++
	s.workflows[wf.ID] = wf

	if m.History != nil {
		s.history[wf.ID] = append(s.history[wf.ID], *m.History)
	}
	return nil
}

// ListWorkflows returns workflows matching the filters, newest first.
func (s *MemoryStore) ListWorkflows(_ context.Context, filters model.WorkflowFilters) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filters = normalizeFilters(filters)

	var result []model.Workflow
	for _, wf := range s.workflows {
		if filters.Status != "" && wf.Status != filters.Status {
			continue
		}
		if filters.Kind != "" && wf.Kind != filters.Kind {
			continue
		}
		if filters.Priority != "" && wf.Priority != filters.Priority {
			continue
		}
		if filters.RequesterID != "" && wf.RequesterID != filters.RequesterID {
			continue
		}
		result = append(result, cloneWorkflow(wf))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filters.Offset >= len(result) {
		return []model.Workflow{}, nil
	}
	result = result[filters.Offset:]
	if filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// ListPending returns pending steps assigned to actorID.
func (s *MemoryStore) ListPending(_ context.Context, actorID string, includeUpcoming bool) ([]model.PendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.PendingItem{}
	for _, st := range s.steps {
		if st.ApproverID != actorID || st.Status != model.StepStatusPending {
			continue
		}
		wf := s.workflows[st.WorkflowID]
		if wf.IsTerminal() {
			continue
		}
		active := isActionable(wf, st)
		if !active && !includeUpcoming {
			continue
		}
		result = append(result, model.PendingItem{
			Step:      st,
			Workflow:  cloneWorkflow(wf),
			Requester: model.ActorSummary{ID: wf.RequesterID},
			Active:    active,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.Step.DueDate != nil && b.Step.DueDate == nil:
			return true
		case a.Step.DueDate == nil && b.Step.DueDate != nil:
			return false
		case a.Step.DueDate != nil && !a.Step.DueDate.Equal(*b.Step.DueDate):
			return a.Step.DueDate.Before(*b.Step.DueDate)
		}
		if !a.Workflow.CreatedAt.Equal(b.Workflow.CreatedAt) {
			return a.Workflow.CreatedAt.Before(b.Workflow.CreatedAt)
		}
		if a.Workflow.ID != b.Workflow.ID {
			return a.Workflow.ID < b.Workflow.ID
		}
		return a.Step.StepNumber < b.Step.StepNumber
	})
	return result, nil
}

// History returns the decision history of a workflow, oldest first.
func (s *MemoryStore) History(_ context.Context, workflowID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.workflows[workflowID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	entries := s.history[workflowID]
	result := make([]model.HistoryEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of workflows. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

func cloneWorkflow(wf model.Workflow) model.Workflow {
	wf.Payload = maps.Clone(wf.Payload)
	return wf
}
