package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteops/approvals/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateWorkflow inserts a workflow and its steps in one transaction.
func (s *PgStore) CreateWorkflow(ctx context.Context, wf model.Workflow, steps []model.Step) error {
	payloadJSON, err := json.Marshal(payloadOrEmpty(wf.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (
			id, kind, title, description, status, substate, priority,
			requester_id, current_approver_id, current_step_number, total_steps,
			payload, due_date, completed_at, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17
		)`,
		wf.ID, wf.Kind, wf.Title, wf.Description, wf.Status, wf.Substate, wf.Priority,
		wf.RequesterID, wf.CurrentApproverID, wf.CurrentStepNumber, wf.TotalSteps,
		payloadJSON, wf.DueDate, wf.CompletedAt, wf.Version, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	batch := &pgx.Batch{}
	for _, st := range steps {
		batch.Queue(`
			INSERT INTO workflow_steps (
				id, workflow_id, step_number, name, approver_id, status,
				is_required, can_delegate, comments, decided_at, due_date, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			st.ID, wf.ID, st.StepNumber, st.Name, st.ApproverID, st.Status,
			st.IsRequired, st.CanDelegate, st.Comments, st.DecidedAt, st.DueDate, st.Version,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}
	return tx.Commit(ctx)
}

// GetWorkflow retrieves a workflow by ID.
func (s *PgStore) GetWorkflow(ctx context.Context, workflowID string) (model.Workflow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows w WHERE w.id = $1`, workflowID)
	wf, err := scanPgWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// GetStep retrieves a step by ID.
func (s *PgStore) GetStep(ctx context.Context, stepID string) (model.Step, error) {
	var st model.Step
	err := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM workflow_steps s WHERE s.id = $1`, stepID).
		Scan(pgStepDest(&st)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Step{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	if err != nil {
		return model.Step{}, fmt.Errorf("query step: %w", err)
	}
	return st, nil
}

// LoadStep retrieves a step joined with its workflow in one statement.
func (s *PgStore) LoadStep(ctx context.Context, stepID string) (model.Step, model.Workflow, error) {
	var st model.Step
	var wf model.Workflow
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+`, `+workflowColumns+`
		FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE s.id = $1`, stepID,
	).Scan(append(pgStepDest(&st), pgWorkflowDest(&wf, &payloadJSON)...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Step{}, model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	if err != nil {
		return model.Step{}, model.Workflow{}, fmt.Errorf("query step: %w", err)
	}
	if err := unmarshalPayload(payloadJSON, &wf); err != nil {
		return model.Step{}, model.Workflow{}, err
	}
	return st, wf, nil
}

// ListSteps returns the steps of a workflow ordered by step number.
func (s *PgStore) ListSteps(ctx context.Context, workflowID string) ([]model.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps s WHERE s.workflow_id = $1 ORDER BY s.step_number`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var st model.Step
		if err := rows.Scan(pgStepDest(&st)...); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return steps, nil
}

// Commit applies a mutation in one transaction with optimistic locking.
func (s *PgStore) Commit(ctx context.Context, m Mutation) error {
	wf := m.Workflow
	payloadJSON, err := json.Marshal(payloadOrEmpty(wf.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE workflows SET
			status = $1,
			substate = $2,
			current_approver_id = $3,
			current_step_number = $4,
			payload = $5,
			due_date = $6,
			completed_at = $7,
			version = $8,
			updated_at = $9
		WHERE id = $10 AND version = $11`,
		wf.Status, wf.Substate, wf.CurrentApproverID, wf.CurrentStepNumber,
		payloadJSON, wf.DueDate, wf.CompletedAt, wf.Version+1, wf.UpdatedAt,
		wf.ID, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d)", wf.ID, wf.Version),
		)
	}

	if st := m.Step; st != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_steps SET
				approver_id = $1,
				status = $2,
				comments = $3,
				decided_at = $4,
				version = $5
			WHERE id = $6 AND workflow_id = $7 AND version = $8 AND status = 'pending'`,
			st.ApproverID, st.Status, st.Comments, st.DecidedAt, st.Version+1,
			st.ID, wf.ID, st.Version,
		)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(fmt.Sprintf("step %q was modified concurrently", st.ID))
		}
	}

	if h := m.History; h != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_history (
				id, workflow_id, step_id, step_number, actor_id, decision, comment, timestamp
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			h.ID, wf.ID, h.StepID, h.StepNumber, h.ActorID, h.Decision, h.Comment, h.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListWorkflows returns workflows matching the filters, newest first.
func (s *PgStore) ListWorkflows(ctx context.Context, filters model.WorkflowFilters) ([]model.Workflow, error) {
	filters = normalizeFilters(filters)

	query := `SELECT ` + workflowColumns + ` FROM workflows w WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filters.Status != "" {
		add("w.status", filters.Status)
	}
	if filters.Kind != "" {
		add("w.kind", filters.Kind)
	}
	if filters.Priority != "" {
		add("w.priority", filters.Priority)
	}
	if filters.RequesterID != "" {
		add("w.requester_id", filters.RequesterID)
	}
	args = append(args, filters.Limit, filters.Offset)
	query += fmt.Sprintf(" ORDER BY w.created_at DESC, w.id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	result := []model.Workflow{}
	for rows.Next() {
		wf, err := scanPgWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// ListPending returns pending steps assigned to actorID.
func (s *PgStore) ListPending(ctx context.Context, actorID string, includeUpcoming bool) ([]model.PendingItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+`, `+workflowColumns+`
		FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE s.approver_id = $1
		  AND s.status = 'pending'
		  AND w.status NOT IN ('approved', 'rejected', 'cancelled')
		  AND ($2 OR (s.step_number = w.current_step_number AND w.current_approver_id IS NOT NULL))
		ORDER BY s.due_date ASC NULLS LAST, w.created_at ASC, w.id ASC, s.step_number ASC`,
		actorID, includeUpcoming,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	result := []model.PendingItem{}
	for rows.Next() {
		var st model.Step
		var wf model.Workflow
		var payloadJSON []byte
		dest := append(pgStepDest(&st), pgWorkflowDest(&wf, &payloadJSON)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := unmarshalPayload(payloadJSON, &wf); err != nil {
			return nil, err
		}
		result = append(result, model.PendingItem{
			Step:      st,
			Workflow:  wf,
			Requester: model.ActorSummary{ID: wf.RequesterID},
			Active:    isActionable(wf, st),
		})
	}
	return result, rows.Err()
}

// History returns the decision history of a workflow, oldest first.
func (s *PgStore) History(ctx context.Context, workflowID string) ([]model.HistoryEntry, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, step_id, step_number, actor_id, decision, comment, timestamp
		FROM workflow_history
		WHERE workflow_id = $1
		ORDER BY seq ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	result := []model.HistoryEntry{}
	for rows.Next() {
		var h model.HistoryEntry
		if err := rows.Scan(&h.ID, &h.WorkflowID, &h.StepID, &h.StepNumber, &h.ActorID, &h.Decision, &h.Comment, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgWorkflowDest(wf *model.Workflow, payloadJSON *[]byte) []any {
	return []any{
		&wf.ID, &wf.Kind, &wf.Title, &wf.Description, &wf.Status, &wf.Substate, &wf.Priority,
		&wf.RequesterID, &wf.CurrentApproverID, &wf.CurrentStepNumber, &wf.TotalSteps,
		payloadJSON, &wf.DueDate, &wf.CompletedAt, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt,
	}
}

func pgStepDest(st *model.Step) []any {
	return []any{
		&st.ID, &st.WorkflowID, &st.StepNumber, &st.Name, &st.ApproverID, &st.Status,
		&st.IsRequired, &st.CanDelegate, &st.Comments, &st.DecidedAt, &st.DueDate, &st.Version,
	}
}

func scanPgWorkflow(r pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	var payloadJSON []byte
	if err := r.Scan(pgWorkflowDest(&wf, &payloadJSON)...); err != nil {
		return model.Workflow{}, err
	}
	if err := unmarshalPayload(payloadJSON, &wf); err != nil {
		return model.Workflow{}, err
	}
	return wf, nil
}

func unmarshalPayload(data []byte, wf *model.Workflow) error {
	if len(data) == 0 {
		return nil
	}
	var p map[string]any
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(p) > 0 {
		wf.Payload = p
	}
	return nil
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
