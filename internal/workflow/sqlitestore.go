package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/siteops/approvals/model"
)

// sqliteTimeFormat is fixed width so stored timestamps sort lexically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const workflowColumns = `w.id, w.kind, w.title, w.description, w.status, w.substate, w.priority,
	w.requester_id, w.current_approver_id, w.current_step_number, w.total_steps,
	w.payload, w.due_date, w.completed_at, w.version, w.created_at, w.updated_at`

const stepColumns = `s.id, s.workflow_id, s.step_number, s.name, s.approver_id, s.status,
	s.is_required, s.can_delegate, s.comments, s.decided_at, s.due_date, s.version`

// SQLiteStore is a Store backed by SQLite through database/sql.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the SQLite database at dsn with foreign keys enabled on
// every connection. A dsn that already sets the foreign_keys pragma is used
// as given.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; serialising through one connection
	// turns lock contention into queueing.
	db.SetMaxOpenConns(1)
	return db, nil
}

// withForeignKeys adds the driver's per-connection foreign_keys pragma.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// NewSQLiteStore creates a store over an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// CreateWorkflow inserts a workflow and its steps in one transaction.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf model.Workflow, steps []model.Step) error {
	payload, err := marshalPayload(wf.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (
			id, kind, title, description, status, substate, priority,
			requester_id, current_approver_id, current_step_number, total_steps,
			payload, due_date, completed_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Kind, wf.Title, wf.Description, wf.Status, wf.Substate, wf.Priority,
		wf.RequesterID, nullString(wf.CurrentApproverID), wf.CurrentStepNumber, wf.TotalSteps,
		payload, formatTimePtr(wf.DueDate), formatTimePtr(wf.CompletedAt), wf.Version,
		formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, st := range steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (
				id, workflow_id, step_number, name, approver_id, status,
				is_required, can_delegate, comments, decided_at, due_date, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, wf.ID, st.StepNumber, st.Name, st.ApproverID, st.Status,
			st.IsRequired, st.CanDelegate, st.Comments, formatTimePtr(st.DecidedAt), formatTimePtr(st.DueDate), st.Version,
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.StepNumber, err)
		}
	}
	return tx.Commit()
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (model.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows w WHERE w.id = ?`, workflowID)
	wf, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// GetStep retrieves a step by ID.
func (s *SQLiteStore) GetStep(ctx context.Context, stepID string) (model.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps s WHERE s.id = ?`, stepID)
	st, err := scanSQLiteStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Step{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	if err != nil {
		return model.Step{}, fmt.Errorf("query step: %w", err)
	}
	return st, nil
}

// LoadStep retrieves a step joined with its workflow in one statement.
func (s *SQLiteStore) LoadStep(ctx context.Context, stepID string) (model.Step, model.Workflow, error) {
	var st model.Step
	var wf model.Workflow
	var stepCols stepScan
	var wfCols workflowScan
	err := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`, `+workflowColumns+`
		FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE s.id = ?`, stepID,
	).Scan(append(stepCols.dest(&st), wfCols.dest(&wf)...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Step{}, model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	if err != nil {
		return model.Step{}, model.Workflow{}, fmt.Errorf("query step: %w", err)
	}
	if err := stepCols.finish(&st); err != nil {
		return model.Step{}, model.Workflow{}, err
	}
	if err := wfCols.finish(&wf); err != nil {
		return model.Step{}, model.Workflow{}, err
	}
	return st, wf, nil
}

// ListSteps returns the steps of a workflow ordered by step number.
func (s *SQLiteStore) ListSteps(ctx context.Context, workflowID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps s WHERE s.workflow_id = ? ORDER BY s.step_number`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
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

// Commit applies a mutation in one transaction with optimistic version
// checks on the workflow and step rows.
func (s *SQLiteStore) Commit(ctx context.Context, m Mutation) error {
	wf := m.Workflow
	payload, err := marshalPayload(wf.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET
			status = ?, substate = ?, current_approver_id = ?, current_step_number = ?,
			payload = ?, due_date = ?, completed_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		wf.Status, wf.Substate, nullString(wf.CurrentApproverID), wf.CurrentStepNumber,
		payload, formatTimePtr(wf.DueDate), formatTimePtr(wf.CompletedAt), wf.Version+1, formatTime(wf.UpdatedAt),
		wf.ID, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, tx, "workflows", wf.ID,
			fmt.Sprintf("workflow %q version conflict (expected %d)", wf.ID, wf.Version))
	}

	if m.Step != nil {
		st := m.Step
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps SET
				approver_id = ?, status = ?, comments = ?, decided_at = ?, version = ?
			WHERE id = ? AND workflow_id = ? AND version = ? AND status = 'pending'`,
			st.ApproverID, st.Status, st.Comments, formatTimePtr(st.DecidedAt), st.Version+1,
			st.ID, wf.ID, st.Version,
		)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.missingOrConflict(ctx, tx, "workflow_steps", st.ID,
				fmt.Sprintf("step %q was modified concurrently", st.ID))
		}
	}

	if h := m.History; h != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_history (
				id, workflow_id, step_id, step_number, actor_id, decision, comment, timestamp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, wf.ID, h.StepID, h.StepNumber, h.ActorID, h.Decision, h.Comment, formatTime(h.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) missingOrConflict(ctx context.Context, tx *sql.Tx, table, id, conflictMsg string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("%q not found", id))
	}
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	return model.NewConflictError(conflictMsg)
}

// ListWorkflows returns workflows matching the filters, newest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, filters model.WorkflowFilters) ([]model.Workflow, error) {
	filters = normalizeFilters(filters)

	query := `SELECT ` + workflowColumns + ` FROM workflows w WHERE 1=1`
	var args []any
	if filters.Status != "" {
		query += ` AND w.status = ?`
		args = append(args, filters.Status)
	}
	if filters.Kind != "" {
		query += ` AND w.kind = ?`
		args = append(args, filters.Kind)
	}
	if filters.Priority != "" {
		query += ` AND w.priority = ?`
		args = append(args, filters.Priority)
	}
	if filters.RequesterID != "" {
		query += ` AND w.requester_id = ?`
		args = append(args, filters.RequesterID)
	}
	query += ` ORDER BY w.created_at DESC, w.id DESC LIMIT ? OFFSET ?`
	args = append(args, filters.Limit, filters.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	result := []model.Workflow{}
	for rows.Next() {
		wf, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// ListPending returns pending steps assigned to actorID.
func (s *SQLiteStore) ListPending(ctx context.Context, actorID string, includeUpcoming bool) ([]model.PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`, `+workflowColumns+`
		FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE s.approver_id = ?
		  AND s.status = 'pending'
		  AND w.status NOT IN ('approved', 'rejected', 'cancelled')
		  AND (? OR (s.step_number = w.current_step_number AND w.current_approver_id IS NOT NULL))
		ORDER BY s.due_date IS NULL, s.due_date, w.created_at, w.id, s.step_number`,
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
		var stepCols stepScan
		var wfCols workflowScan
		dest := append(stepCols.dest(&st), wfCols.dest(&wf)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := stepCols.finish(&st); err != nil {
			return nil, err
		}
		if err := wfCols.finish(&wf); err != nil {
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
func (s *SQLiteStore) History(ctx context.Context, workflowID string) ([]model.HistoryEntry, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_id, step_number, actor_id, decision, comment, timestamp
		FROM workflow_history
		WHERE workflow_id = ?
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
		var ts string
		if err := rows.Scan(&h.ID, &h.WorkflowID, &h.StepID, &h.StepNumber, &h.ActorID, &h.Decision, &h.Comment, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

type workflowScan struct {
	approver    sql.NullString
	payload     string
	dueDate     sql.NullString
	completedAt sql.NullString
	createdAt   string
	updatedAt   string
}

func (c *workflowScan) dest(wf *model.Workflow) []any {
	return []any{
		&wf.ID, &wf.Kind, &wf.Title, &wf.Description, &wf.Status, &wf.Substate, &wf.Priority,
		&wf.RequesterID, &c.approver, &wf.CurrentStepNumber, &wf.TotalSteps,
		&c.payload, &c.dueDate, &c.completedAt, &wf.Version, &c.createdAt, &c.updatedAt,
	}
}

func (c *workflowScan) finish(wf *model.Workflow) error {
	var err error
	if c.approver.Valid {
		id := c.approver.String
		wf.CurrentApproverID = &id
	}
	if c.payload != "" && c.payload != "{}" {
		if err := json.Unmarshal([]byte(c.payload), &wf.Payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if wf.DueDate, err = parseNullTime(c.dueDate); err != nil {
		return err
	}
	if wf.CompletedAt, err = parseNullTime(c.completedAt); err != nil {
		return err
	}
	if wf.CreatedAt, err = parseTime(c.createdAt); err != nil {
		return err
	}
	if wf.UpdatedAt, err = parseTime(c.updatedAt); err != nil {
		return err
	}
	return nil
}

type stepScan struct {
	decidedAt sql.NullString
	dueDate   sql.NullString
}

func (c *stepScan) dest(st *model.Step) []any {
	return []any{
		&st.ID, &st.WorkflowID, &st.StepNumber, &st.Name, &st.ApproverID, &st.Status,
		&st.IsRequired, &st.CanDelegate, &st.Comments, &c.decidedAt, &c.dueDate, &st.Version,
	}
}

func (c *stepScan) finish(st *model.Step) error {
	var err error
	if st.DecidedAt, err = parseNullTime(c.decidedAt); err != nil {
		return err
	}
	if st.DueDate, err = parseNullTime(c.dueDate); err != nil {
		return err
	}
	return nil
}

func scanSQLiteWorkflow(r rowScanner) (model.Workflow, error) {
	var wf model.Workflow
	var c workflowScan
	if err := r.Scan(c.dest(&wf)...); err != nil {
		return model.Workflow{}, err
	}
	if err := c.finish(&wf); err != nil {
		return model.Workflow{}, err
	}
	return wf, nil
}

func scanSQLiteStep(r rowScanner) (model.Step, error) {
	var st model.Step
	var c stepScan
	if err := r.Scan(c.dest(&st)...); err != nil {
		return model.Step{}, err
	}
	if err := c.finish(&st); err != nil {
		return model.Step{}, err
	}
	return st, nil
}

// --- encoding ---

func marshalPayload(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
