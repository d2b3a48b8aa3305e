package escalation

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/approvals/internal/capability"
	"github.com/siteops/approvals/internal/directory"
	"github.com/siteops/approvals/internal/notify"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/internal/workflow"
	"github.com/siteops/approvals/model"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	orch    *workflow.Orchestrator
	sink    *notify.MemorySink
	metrics *observability.Metrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(baseTime)
	var seq atomic.Int64
	newID := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }

	validator, err := workflow.NewPayloadValidator()
	require.NoError(t, err)
	sink := notify.NewMemorySink()
	m := observability.InitMetrics(prometheus.NewRegistry())
	resolver := capability.NewResolver(capability.NewDefaultPolicyEvaluator(), time.Minute)

	orch := workflow.NewOrchestrator(workflow.NewMemoryStore(),
		workflow.WithSink(sink),
		workflow.WithCapabilityResolver(resolver),
		workflow.WithPayloadValidator(validator),
		workflow.WithClock(clk),
		workflow.WithMetrics(m),
		workflow.WithIDGenerator(newID),
	)
	svc := NewService(orch,
		WithSink(sink),
		WithCapabilityResolver(resolver),
		WithClock(clk),
		WithMetrics(m),
		WithIDGenerator(newID),
	)
	for _, opt := range opts {
		opt(svc)
	}
	return &harness{svc: svc, orch: orch, sink: sink, metrics: m}
}

func actor(id string, roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: id, Roles: roles}
}

var (
	reporter = actor("u-reporter", capability.RoleHSETier1)
	tier1    = actor("u-tier1", capability.RoleHSETier1)
	tier2    = actor("u-tier2", capability.RoleHSETier2)
	employee = actor("u-employee", capability.RoleEmployee)
)

func incident(severity string) IncidentRequest {
	return IncidentRequest{
		IncidentID:   "INC-42",
		Severity:     severity,
		Title:        "Chemical spill in bay 3",
		Description:  "Drum punctured during unloading",
		SupervisorID: "u-supervisor",
		HSEManagerID: "u-manager",
	}
}

// --- CreateHSEWorkflow ---

func TestCreateHSEWorkflow_Critical(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateHSEWorkflow(ctx, reporter, incident("critical"))
	require.NoError(t, err)

	wf := res.Workflow
	assert.Equal(t, HSEPriorityP1Critical, res.Policy.HSEPriority)
	assert.True(t, res.Policy.Tier2Required)
	assert.Equal(t, model.PriorityUrgent, wf.Priority)
	assert.Equal(t, model.WorkflowStatusInProgress, wf.Status)
	assert.Equal(t, model.SubstateRequiresTier2, wf.Substate)
	assert.Nil(t, wf.CurrentApproverID)
	assert.Equal(t, "u-reporter", wf.RequesterID, "requester defaults to the caller")
	assert.Equal(t, HSEPriorityP1Critical, wf.Payload["hse_priority"])
	require.Len(t, res.Steps, 2)

	// The urgent notification is raised before any decision.
	events := h.sink.Events()
	require.Len(t, events, 1)
	evt := events[0]
	assert.Equal(t, model.EventHSETier2Required, evt.EventType)
	assert.Equal(t, model.SeverityUrgent, evt.Severity)
	assert.Equal(t, "role:HSE001", evt.TargetActorHint)
	assert.Equal(t, wf.ID, evt.WorkflowID)
	assert.True(t, baseTime.Equal(evt.OccurredAt))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EscalationsTotal.WithLabelValues(ReasonPolicy)))

	// Nobody can decide until tier-2 routes it.
	_, err = h.orch.Decide(ctx, res.Steps[0].ID, "u-supervisor", model.DecisionApproved, "")
	assert.True(t, model.HasCode(err, model.ErrStepNotActive), "err = %v", err)
}

func TestCreateHSEWorkflow_Low(t *testing.T) {
	h := newHarness(t)

	req := incident("low")
	req.DirectorID = "u-director"
	res, err := h.svc.CreateHSEWorkflow(context.Background(), reporter, req)
	require.NoError(t, err)

	wf := res.Workflow
	assert.False(t, res.Policy.Tier2Required)
	assert.Equal(t, model.PriorityLow, wf.Priority)
	assert.Equal(t, model.WorkflowStatusPending, wf.Status)
	assert.Empty(t, wf.Substate)
	require.NotNil(t, wf.CurrentApproverID)
	assert.Equal(t, "u-manager", *wf.CurrentApproverID, "tier-1 manager owns the first step")
	assert.Equal(t, StepHSEManagerApproval, res.Steps[0].Name)
	assert.Equal(t, 3, wf.TotalSteps)
	assert.Empty(t, h.sink.Events(), "no notification on a normal creation")
}

func TestCreateHSEWorkflow_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateHSEWorkflow(ctx, employee, incident("low"))
	assert.True(t, model.HasCode(err, model.ErrForbidden), "employee: %v", err)

	_, err = h.svc.CreateHSEWorkflow(ctx, reporter, incident("apocalyptic"))
	assert.True(t, model.HasCode(err, model.ErrValidationError), "bad severity: %v", err)

	req := incident("high")
	req.HSEManagerID = ""
	_, err = h.svc.CreateHSEWorkflow(ctx, reporter, req)
	require.True(t, model.HasCode(err, model.ErrValidationError), "missing manager: %v", err)

	assert.Empty(t, h.sink.Events())
}

func TestCreateHSEWorkflow_FirstOwnerHoldsTierOne(t *testing.T) {
	dir := directory.NewStaticDirectory(
		model.Actor{ID: "u-supervisor", Roles: []string{capability.RoleEmployee}},
		model.Actor{ID: "u-manager", Roles: []string{capability.RoleHSETier1}},
		model.Actor{ID: "u-clerk", Roles: []string{capability.RoleEmployee}},
	)
	h := newHarness(t, WithDirectory(dir))
	ctx := context.Background()

	for _, severity := range []string{SeverityLow, SeverityMedium} {
		t.Run(severity, func(t *testing.T) {
			res, err := h.svc.CreateHSEWorkflow(ctx, reporter, incident(severity))
			require.NoError(t, err)
			require.NotNil(t, res.Workflow.CurrentApproverID)

			owner, err := dir.Lookup(ctx, *res.Workflow.CurrentApproverID)
			require.NoError(t, err)
			assert.Contains(t, owner.Roles, capability.RoleHSETier1)
		})
	}

	for _, managerID := range []string{"u-clerk", "u-unknown"} {
		t.Run(managerID, func(t *testing.T) {
			req := incident(SeverityLow)
			req.HSEManagerID = managerID
			_, err := h.svc.CreateHSEWorkflow(ctx, reporter, req)
			assert.True(t, model.HasCode(err, model.ErrValidationError), "err = %v", err)
		})
	}
}

// --- Escalate ---

func TestEscalate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateHSEWorkflow(ctx, reporter, incident("medium"))
	require.NoError(t, err)

	wf, err := h.svc.Escalate(ctx, tier1, res.Workflow.ID, "possible asbestos")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusInProgress, wf.Status)
	assert.Equal(t, model.SubstateRequiresTier2, wf.Substate)
	assert.Nil(t, wf.CurrentApproverID)
	assert.Equal(t, 1, wf.CurrentStepNumber, "escalation does not consume a step")

	events := h.sink.OfType(model.EventHSEEscalated)
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityUrgent, events[0].Severity)
	assert.Equal(t, Tier2Target, events[0].TargetActorHint)
	assert.Equal(t, "u-tier1", events[0].ActorID)
	assert.Contains(t, events[0].Message, "possible asbestos")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EscalationsTotal.WithLabelValues(ReasonManual)))

	// Escalating twice conflicts.
	_, err = h.svc.Escalate(ctx, tier1, res.Workflow.ID, "")
	assert.True(t, model.HasCode(err, model.ErrConflict), "err = %v", err)

	// Steps are untouched.
	detail, err := h.orch.WorkflowHistory(ctx, res.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, "u-manager", detail.Steps[0].ApproverID)
	assert.Equal(t, model.StepStatusPending, detail.Steps[0].Status)
	assert.Empty(t, detail.History)
}

func TestEscalate_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateHSEWorkflow(ctx, reporter, incident("low"))
	require.NoError(t, err)

	_, err = h.svc.Escalate(ctx, tier2, res.Workflow.ID, "")
	assert.True(t, model.HasCode(err, model.ErrForbidden), "tier-2 lacks the escalate capability: %v", err)
	_, err = h.svc.Escalate(ctx, employee, res.Workflow.ID, "")
	assert.True(t, model.HasCode(err, model.ErrForbidden), "employee: %v", err)

	_, err = h.svc.Escalate(ctx, tier1, "wf-missing", "")
	assert.True(t, model.HasCode(err, model.ErrNotFound), "missing: %v", err)

	generic, err := h.orch.CreateWorkflow(ctx, model.CreateWorkflowRequest{
		Kind:        model.KindPolicyChange,
		Title:       "Update PPE policy",
		RequesterID: "u-reporter",
		Approvers:   []model.ApproverSpec{{ApproverID: "u-manager", StepName: "Review"}},
	})
	require.NoError(t, err)
	_, err = h.svc.Escalate(ctx, tier1, generic.Workflow.ID, "")
	assert.True(t, model.HasCode(err, model.ErrNotFound), "non-HSE workflow: %v", err)

	_, err = h.orch.Cancel(ctx, reporter, res.Workflow.ID, "duplicate report")
	require.NoError(t, err)
	_, err = h.svc.Escalate(ctx, tier1, res.Workflow.ID, "")
	assert.True(t, model.HasCode(err, model.ErrWorkflowClosed), "closed: %v", err)

	assert.Empty(t, h.sink.OfType(model.EventHSEEscalated))
}

// --- Route ---

func TestRoute_ToAssignee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateHSEWorkflow(ctx, reporter, incident("critical"))
	require.NoError(t, err)

	wf, err := h.svc.Route(ctx, tier2, res.Workflow.ID, "u-tier2")
	require.NoError(t, err)
	assert.Empty(t, wf.Substate)
	require.NotNil(t, wf.CurrentApproverID)
	assert.Equal(t, "u-tier2", *wf.CurrentApproverID)

	routed := h.sink.OfType(model.EventHSERouted)
	require.Len(t, routed, 1)
	assert.Equal(t, "u-tier2", routed[0].TargetActorHint)
	assert.Equal(t, model.SeverityUrgent, routed[0].Severity)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RoutingsTotal))

	// The chain continues normally from the routed step.
	wf, err = h.orch.Decide(ctx, res.Steps[0].ID, "u-tier2", model.DecisionApproved, "contained")
	require.NoError(t, err)
	assert.Equal(t, 2, wf.CurrentStepNumber)
	assert.Equal(t, "u-manager", *wf.CurrentApproverID)
}

func TestRoute_KeepsApprover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateHSEWorkflow(ctx, reporter, incident("high"))
	require.NoError(t, err)

	wf, err := h.svc.Route(ctx, tier2, res.Workflow.ID, "")
	require.NoError(t, err)
	require.NotNil(t, wf.CurrentApproverID)
	assert.Equal(t, "u-supervisor", *wf.CurrentApproverID)
}

func TestRoute_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateHSEWorkflow(ctx, reporter, incident("critical"))
	require.NoError(t, err)

	_, err = h.svc.Route(ctx, tier1, res.Workflow.ID, "")
	assert.True(t, model.HasCode(err, model.ErrForbidden), "tier-1: %v", err)

	_, err = h.svc.Route(ctx, tier2, "wf-missing", "")
	assert.True(t, model.HasCode(err, model.ErrNotFound), "missing: %v", err)

	_, err = h.svc.Route(ctx, tier2, res.Workflow.ID, "")
	require.NoError(t, err)
	_, err = h.svc.Route(ctx, tier2, res.Workflow.ID, "")
	assert.True(t, model.HasCode(err, model.ErrConflict), "not awaiting: %v", err)
}
