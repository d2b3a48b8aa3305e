package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/siteops/approvals/internal/migrate"
	"github.com/siteops/approvals/model"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// storeFactories returns a constructor per Store implementation that runs
// without external services.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			db, err := OpenSQLite("file:" + filepath.Join(t.TempDir(), "approvals.db"))
			if err != nil {
				t.Fatalf("OpenSQLite error: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			if _, err := migrate.SQLite(context.Background(), db); err != nil {
				t.Fatalf("migrate error: %v", err)
			}
			return NewSQLiteStore(db)
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

// fixture builds an owned workflow whose steps are assigned to approvers in
// order.
func fixture(id string, created time.Time, approvers ...string) (model.Workflow, []model.Step) {
	first := approvers[0]
	wf := model.Workflow{
		ID:                id,
		Kind:              model.KindTrainingApproval,
		Title:             "Workflow " + id,
		Status:            model.WorkflowStatusPending,
		Priority:          model.PriorityMedium,
		RequesterID:       "requester-1",
		CurrentApproverID: &first,
		CurrentStepNumber: 1,
		TotalSteps:        len(approvers),
		Payload:           map[string]any{"course": "Working at height"},
		Version:           1,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	steps := make([]model.Step, 0, len(approvers))
	for i, a := range approvers {
		steps = append(steps, model.Step{
			ID:         fmt.Sprintf("%s-step-%d", id, i+1),
			WorkflowID: id,
			StepNumber: i + 1,
			Name:       fmt.Sprintf("Review %d", i+1),
			ApproverID: a,
			Status:     model.StepStatusPending,
			IsRequired: true,
			Version:    1,
		})
	}
	return wf, steps
}

func mustCreate(t *testing.T, s Store, wf model.Workflow, steps []model.Step) {
	t.Helper()
	if err := s.CreateWorkflow(context.Background(), wf, steps); err != nil {
		t.Fatalf("CreateWorkflow(%s) error: %v", wf.ID, err)
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T (%v), want *model.ErrorEnvelope", err, err)
	}
	if envErr.Code != code {
		t.Errorf("code = %s, want %s (%s)", envErr.Code, code, envErr.Message)
	}
}

// --- Create / Get ---

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		due := baseTime.Add(48 * time.Hour)
		wf, steps := fixture("wf-1", baseTime, "alice", "bob")
		steps[1].DueDate = &due
		steps[1].CanDelegate = true
		mustCreate(t, s, wf, steps)

		got, err := s.GetWorkflow(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetWorkflow error: %v", err)
		}
		if got.Title != "Workflow wf-1" || got.Status != model.WorkflowStatusPending {
			t.Errorf("workflow = %+v", got)
		}
		if got.CurrentApproverID == nil || *got.CurrentApproverID != "alice" {
			t.Errorf("CurrentApproverID = %v, want alice", got.CurrentApproverID)
		}
		if got.Payload["course"] != "Working at height" {
			t.Errorf("Payload = %v", got.Payload)
		}
		if !got.CreatedAt.Equal(baseTime) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}

		listed, err := s.ListSteps(ctx, "wf-1")
		if err != nil {
			t.Fatalf("ListSteps error: %v", err)
		}
		if len(listed) != 2 || listed[0].StepNumber != 1 || listed[1].StepNumber != 2 {
			t.Fatalf("ListSteps = %+v", listed)
		}
		if !listed[1].CanDelegate || listed[1].DueDate == nil || !listed[1].DueDate.Equal(due) {
			t.Errorf("step 2 = %+v", listed[1])
		}

		st, err := s.GetStep(ctx, "wf-1-step-2")
		if err != nil {
			t.Fatalf("GetStep error: %v", err)
		}
		if st.ApproverID != "bob" || st.WorkflowID != "wf-1" {
			t.Errorf("GetStep = %+v", st)
		}

		loaded, owner, err := s.LoadStep(ctx, "wf-1-step-1")
		if err != nil {
			t.Fatalf("LoadStep error: %v", err)
		}
		if loaded.ApproverID != "alice" || owner.ID != "wf-1" || owner.Payload["course"] != "Working at height" {
			t.Errorf("LoadStep = %+v, %+v", loaded, owner)
		}
		_, _, err = s.LoadStep(ctx, "missing")
		assertCode(t, err, model.ErrNotFound)
	})
}

func TestStore_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetWorkflow(ctx, "missing")
		assertCode(t, err, model.ErrNotFound)

		_, err = s.GetStep(ctx, "missing")
		assertCode(t, err, model.ErrNotFound)

		_, err = s.ListSteps(ctx, "missing")
		assertCode(t, err, model.ErrNotFound)

		_, err = s.History(ctx, "missing")
		assertCode(t, err, model.ErrNotFound)
	})
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	wf, steps := fixture("wf-1", baseTime, "alice")
	mustCreate(t, s, wf, steps)

	err := s.CreateWorkflow(context.Background(), wf, steps)
	assertCode(t, err, model.ErrConflict)
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

// --- Commit ---

func TestStore_Commit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf, steps := fixture("wf-1", baseTime, "alice", "bob")
		mustCreate(t, s, wf, steps)

		now := baseTime.Add(time.Hour)
		out, err := Apply(wf, steps[0], &steps[1], "alice", model.DecisionApproved, "ok", "h-1", now)
		if err != nil {
			t.Fatalf("Apply error: %v", err)
		}
		if err := s.Commit(ctx, Mutation{Workflow: out.Workflow, Step: &out.Step, History: &out.History}); err != nil {
			t.Fatalf("Commit error: %v", err)
		}

		got, _ := s.GetWorkflow(ctx, "wf-1")
		if got.Version != 2 {
			t.Errorf("workflow Version = %d, want 2", got.Version)
		}
		if got.CurrentStepNumber != 2 || got.Status != model.WorkflowStatusInProgress {
			t.Errorf("workflow = %+v", got)
		}
		if got.CurrentApproverID == nil || *got.CurrentApproverID != "bob" {
			t.Errorf("CurrentApproverID = %v, want bob", got.CurrentApproverID)
		}

		st, _ := s.GetStep(ctx, "wf-1-step-1")
		if st.Status != model.StepStatusApproved || st.Version != 2 || st.Comments != "ok" {
			t.Errorf("step = %+v", st)
		}
		if st.DecidedAt == nil || !st.DecidedAt.Equal(now) {
			t.Errorf("DecidedAt = %v, want %v", st.DecidedAt, now)
		}

		history, err := s.History(ctx, "wf-1")
		if err != nil {
			t.Fatalf("History error: %v", err)
		}
		if len(history) != 1 || history[0].Decision != model.DecisionApproved || history[0].ActorID != "alice" {
			t.Errorf("History = %+v", history)
		}
	})
}

func TestStore_Commit_staleWorkflowVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf, steps := fixture("wf-1", baseTime, "alice", "bob")
		mustCreate(t, s, wf, steps)

		first, _ := Apply(wf, steps[0], &steps[1], "alice", model.DecisionApproved, "", "h-1", baseTime)
		if err := s.Commit(ctx, Mutation{Workflow: first.Workflow, Step: &first.Step, History: &first.History}); err != nil {
			t.Fatalf("first Commit error: %v", err)
		}

		// A second writer that read the same versions loses.
		second, _ := Apply(wf, steps[0], &steps[1], "alice", model.DecisionRejected, "", "h-2", baseTime)
		err := s.Commit(ctx, Mutation{Workflow: second.Workflow, Step: &second.Step, History: &second.History})
		assertCode(t, err, model.ErrConflict)

		history, _ := s.History(ctx, "wf-1")
		if len(history) != 1 {
			t.Errorf("History len = %d, want 1 (loser must not append)", len(history))
		}
		st, _ := s.GetStep(ctx, "wf-1-step-1")
		if st.Status != model.StepStatusApproved {
			t.Errorf("step status = %s, want approved", st.Status)
		}
	})
}

func TestStore_Commit_stepNoLongerPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf, steps := fixture("wf-1", baseTime, "alice", "bob")
		mustCreate(t, s, wf, steps)

		// Decide step 2 out of band while keeping the workflow version current.
		decided := steps[1]
		decided.Status = model.StepStatusApproved
		if err := s.Commit(ctx, Mutation{Workflow: wf, Step: &decided}); err != nil {
			t.Fatalf("Commit error: %v", err)
		}
		current, _ := s.GetWorkflow(ctx, "wf-1")
		again, _ := s.GetStep(ctx, "wf-1-step-2")
		again.Comments = "late"

		err := s.Commit(ctx, Mutation{Workflow: current, Step: &again})
		assertCode(t, err, model.ErrConflict)
	})
}

func TestStore_Commit_unknownWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		wf, _ := fixture("wf-ghost", baseTime, "alice")
		err := s.Commit(context.Background(), Mutation{Workflow: wf})
		if err == nil {
			t.Fatal("expected error committing unknown workflow")
		}
	})
}

// --- ListWorkflows ---

func TestStore_ListWorkflows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			wf, steps := fixture(fmt.Sprintf("wf-%d", i), baseTime.Add(time.Duration(i)*time.Minute), "alice")
			if i%2 == 0 {
				wf.Kind = model.KindHSEIncident
				wf.Priority = model.PriorityUrgent
			}
			mustCreate(t, s, wf, steps)
		}

		all, err := s.ListWorkflows(ctx, model.WorkflowFilters{})
		if err != nil {
			t.Fatalf("ListWorkflows error: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("len = %d, want 5", len(all))
		}
		if all[0].ID != "wf-4" || all[4].ID != "wf-0" {
			t.Errorf("order = %s..%s, want newest first", all[0].ID, all[4].ID)
		}

		hse, _ := s.ListWorkflows(ctx, model.WorkflowFilters{Kind: model.KindHSEIncident, Priority: model.PriorityUrgent})
		if len(hse) != 3 {
			t.Errorf("hse len = %d, want 3", len(hse))
		}

		page, _ := s.ListWorkflows(ctx, model.WorkflowFilters{Limit: 2, Offset: 2})
		if len(page) != 2 || page[0].ID != "wf-2" || page[1].ID != "wf-1" {
			t.Errorf("page = %v", ids(page))
		}

		none, _ := s.ListWorkflows(ctx, model.WorkflowFilters{RequesterID: "nobody"})
		if none == nil || len(none) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", none)
		}
	})
}

func ids(wfs []model.Workflow) []string {
	out := make([]string, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, wf.ID)
	}
	return out
}

// --- ListPending ---

func TestStore_ListPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		soon := baseTime.Add(24 * time.Hour)
		later := baseTime.Add(72 * time.Hour)

		// wf-a: alice active, no due date.
		a, aSteps := fixture("wf-a", baseTime, "alice", "carol")
		mustCreate(t, s, a, aSteps)

		// wf-b: alice active, due later.
		b, bSteps := fixture("wf-b", baseTime.Add(time.Minute), "alice")
		bSteps[0].DueDate = &later
		mustCreate(t, s, b, bSteps)

		// wf-c: alice active, due soon, created last.
		c, cSteps := fixture("wf-c", baseTime.Add(2*time.Minute), "alice")
		cSteps[0].DueDate = &soon
		mustCreate(t, s, c, cSteps)

		// wf-d: alice owns step 2 only.
		d, dSteps := fixture("wf-d", baseTime.Add(3*time.Minute), "bob", "alice")
		mustCreate(t, s, d, dSteps)

		// wf-e: alice active but awaiting routing.
		e, eSteps := fixture("wf-e", baseTime.Add(4*time.Minute), "alice")
		e.CurrentApproverID = nil
		e.Status = model.WorkflowStatusInProgress
		e.Substate = model.SubstateRequiresTier2
		mustCreate(t, s, e, eSteps)

		// wf-f: cancelled.
		f, fSteps := fixture("wf-f", baseTime.Add(5*time.Minute), "alice")
		f.Status = model.WorkflowStatusCancelled
		f.CurrentApproverID = nil
		mustCreate(t, s, f, fSteps)

		items, err := s.ListPending(ctx, "alice", false)
		if err != nil {
			t.Fatalf("ListPending error: %v", err)
		}
		got := pendingIDs(items)
		want := []string{"wf-c", "wf-b", "wf-a"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("pending = %v, want %v", got, want)
		}
		for _, it := range items {
			if !it.Active {
				t.Errorf("%s: Active = false, want true", it.Workflow.ID)
			}
			if it.Requester.ID != "requester-1" {
				t.Errorf("%s: Requester = %+v", it.Workflow.ID, it.Requester)
			}
		}

		upcoming, err := s.ListPending(ctx, "alice", true)
		if err != nil {
			t.Fatalf("ListPending(includeUpcoming) error: %v", err)
		}
		got = pendingIDs(upcoming)
		want = []string{"wf-c", "wf-b", "wf-a", "wf-d", "wf-e"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("upcoming = %v, want %v", got, want)
		}
		for _, it := range upcoming {
			wantActive := it.Workflow.ID != "wf-d" && it.Workflow.ID != "wf-e"
			if it.Active != wantActive {
				t.Errorf("%s: Active = %v, want %v", it.Workflow.ID, it.Active, wantActive)
			}
		}

		empty, _ := s.ListPending(ctx, "nobody", true)
		if empty == nil || len(empty) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", empty)
		}
	})
}

func pendingIDs(items []model.PendingItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Workflow.ID)
	}
	return out
}

// --- History ---

func TestStore_History_ordered(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf, steps := fixture("wf-1", baseTime, "alice", "bob")
		mustCreate(t, s, wf, steps)

		out, _ := Apply(wf, steps[0], &steps[1], "alice", model.DecisionApproved, "", "h-1", baseTime)
		if err := s.Commit(ctx, Mutation{Workflow: out.Workflow, Step: &out.Step, History: &out.History}); err != nil {
			t.Fatalf("Commit error: %v", err)
		}
		wf2, _ := s.GetWorkflow(ctx, "wf-1")
		st2, _ := s.GetStep(ctx, "wf-1-step-2")
		// Same timestamp as the first entry: insertion order must win.
		out2, _ := Apply(wf2, st2, nil, "bob", model.DecisionRejected, "no", "h-0", baseTime)
		if err := s.Commit(ctx, Mutation{Workflow: out2.Workflow, Step: &out2.Step, History: &out2.History}); err != nil {
			t.Fatalf("Commit error: %v", err)
		}

		history, _ := s.History(ctx, "wf-1")
		if len(history) != 2 || history[0].ID != "h-1" || history[1].ID != "h-0" {
			t.Errorf("History = %+v", history)
		}
		final, _ := s.GetWorkflow(ctx, "wf-1")
		if final.Status != model.WorkflowStatusRejected || final.CompletedAt == nil || final.CurrentApproverID != nil {
			t.Errorf("final = %+v", final)
		}
	})
}

// --- SQLite specifics ---

func TestWithForeignKeys(t *testing.T) {
	tests := []struct {
		dsn, want string
	}{
		{"file:/tmp/a.db", "file:/tmp/a.db?_pragma=foreign_keys(1)"},
		{"file:/tmp/a.db?_pragma=busy_timeout(5000)", "file:/tmp/a.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"},
		{"file:/tmp/a.db?_pragma=foreign_keys(0)", "file:/tmp/a.db?_pragma=foreign_keys(0)"},
	}
	for _, tt := range tests {
		if got := withForeignKeys(tt.dsn); got != tt.want {
			t.Errorf("withForeignKeys(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestOpenSQLite_enforcesForeignKeys(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite("file:" + filepath.Join(t.TempDir(), "fk.db"))
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	defer db.Close()
	if _, err := migrate.SQLite(ctx, db); err != nil {
		t.Fatalf("migrate error: %v", err)
	}

	var enabled int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		t.Fatalf("PRAGMA foreign_keys error: %v", err)
	}
	if enabled != 1 {
		t.Fatalf("foreign_keys = %d, want 1", enabled)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO workflow_steps
		(id, workflow_id, step_number, name, approver_id, status, is_required, can_delegate, version)
		VALUES ('s-1', 'wf-missing', 1, 'Review', 'alice', 'pending', 1, 0, 1)`)
	if err == nil {
		t.Fatal("inserting a step for a missing workflow should violate the foreign key")
	}
}
