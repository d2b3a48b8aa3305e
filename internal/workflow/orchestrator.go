package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/directory"
	"github.com/siteops/approvals/internal/notify"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

const maxTitleLength = 200

// Orchestrator is the entry point for workflow operations. It validates
// requests, applies transitions, commits them to the Store and emits one
// notification per committed change.
type Orchestrator struct {
	store       Store
	directory   directory.Directory
	sink        notify.Sink
	capResolver model.CapabilityResolver
	validator   *PayloadValidator
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics
	newID       func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDirectory sets the directory used to join actor identities.
func WithDirectory(d directory.Directory) Option {
	return func(o *Orchestrator) { o.directory = d }
}

// WithSink sets the notification sink.
func WithSink(s notify.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithCapabilityResolver sets the resolver consulted for override
// capabilities such as cancelling another actor's workflow.
func WithCapabilityResolver(r model.CapabilityResolver) Option {
	return func(o *Orchestrator) { o.capResolver = r }
}

// WithPayloadValidator sets the per-kind payload validator.
func WithPayloadValidator(v *PayloadValidator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIDGenerator overrides ID generation. For testing.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator creates an orchestrator over store.
func NewOrchestrator(store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		clock:  clock.New(),
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateOption adjusts how a workflow starts.
type CreateOption func(*createOptions)

type createOptions struct {
	substate string
}

// StartAwaitingRouting creates the workflow without a current approver,
// marked with substate until Route assigns one.
func StartAwaitingRouting(substate string) CreateOption {
	return func(c *createOptions) { c.substate = substate }
}

// CreateWorkflow validates req and persists a new workflow with one pending
// step per approver. No notification is emitted.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, req model.CreateWorkflowRequest, opts ...CreateOption) (detail model.WorkflowDetail, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrKind.String(req.Kind),
		observability.AttrActorID.String(req.RequesterID),
	)
	start := o.clock.Now()
	defer func() {
		observability.EndSpanWithError(span, err)
		o.metrics.RecordOperation("create", o.clock.Since(start))
	}()

	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}

	// 1. Validate input and payload.
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	}
	details := o.validateCreate(req)
	if len(details) > 0 {
		return model.WorkflowDetail{}, model.NewValidationError(details)
	}

	// 2. Build the workflow and its chain.
	now := o.clock.Now().UTC()
	wf := model.Workflow{
		ID:                o.newID(),
		Kind:              req.Kind,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		Status:            model.WorkflowStatusPending,
		Priority:          req.Priority,
		RequesterID:       req.RequesterID,
		CurrentStepNumber: 1,
		TotalSteps:        len(req.Approvers),
		Payload:           req.Payload,
		DueDate:           req.DueDate,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	steps := make([]model.Step, 0, len(req.Approvers))
	for i, spec := range req.Approvers {
		required := true
		if spec.IsRequired != nil {
			required = *spec.IsRequired
		}
		steps = append(steps, model.Step{
			ID:          o.newID(),
			WorkflowID:  wf.ID,
			StepNumber:  i + 1,
			Name:        strings.TrimSpace(spec.StepName),
			ApproverID:  spec.ApproverID,
			Status:      model.StepStatusPending,
			IsRequired:  required,
			CanDelegate: spec.CanDelegate,
			DueDate:     spec.DueDate,
			Version:     1,
		})
		// Without an explicit due date the workflow is due with its last step.
		if req.DueDate == nil && spec.DueDate != nil && (wf.DueDate == nil || spec.DueDate.After(*wf.DueDate)) {
			wf.DueDate = spec.DueDate
		}
	}

	if co.substate != "" {
		wf.Status = model.WorkflowStatusInProgress
		wf.Substate = co.substate
	} else {
		first := steps[0].ApproverID
		wf.CurrentApproverID = &first
	}

	// 3. Persist atomically.
	if err := o.store.CreateWorkflow(ctx, wf, steps); err != nil {
		return model.WorkflowDetail{}, fmt.Errorf("create workflow: %w", err)
	}

	o.metrics.RecordWorkflowCreated(wf.Kind, wf.Priority)
	observability.RequestLogger(ctx, o.logger).Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("kind", wf.Kind),
		zap.String("priority", wf.Priority),
		zap.Int("total_steps", wf.TotalSteps),
		zap.String("substate", wf.Substate),
	)

	return model.WorkflowDetail{Workflow: wf, Steps: steps}, nil
}

func (o *Orchestrator) validateCreate(req model.CreateWorkflowRequest) []model.FieldError {
	var details []model.FieldError
	add := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	if strings.TrimSpace(req.Title) == "" {
		add("title", "REQUIRED", "title is required")
	} else if len(req.Title) > maxTitleLength {
		add("title", "TOO_LONG", fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	if req.RequesterID == "" {
		add("requester_id", "REQUIRED", "requester_id is required")
	}
	switch req.Priority {
	case model.PriorityLow, model.PriorityMedium, model.PriorityHigh, model.PriorityUrgent:
	default:
		add("priority", "INVALID", "priority must be one of low, medium, high, urgent")
	}
	if len(req.Approvers) == 0 {
		add("approvers", "REQUIRED", "at least one approver is required")
	}
	for i, spec := range req.Approvers {
		if spec.ApproverID == "" {
			add(fmt.Sprintf("approvers[%d].approver_id", i), "REQUIRED", "approver_id is required")
		}
		if strings.TrimSpace(spec.StepName) == "" {
			add(fmt.Sprintf("approvers[%d].step_name", i), "REQUIRED", "step_name is required")
		}
	}

	if o.validator != nil {
		payloadErrs, err := o.validator.Validate(req.Kind, req.Payload)
		if err != nil {
			add("payload", "INVALID", err.Error())
		}
		details = append(details, payloadErrs...)
	} else if !knownKind(req.Kind) {
		add("kind", "UNKNOWN_KIND", fmt.Sprintf("kind must be one of %s", strings.Join(Kinds, ", ")))
	}
	return details
}

func knownKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Decide records an approval or rejection of stepID by actorID and returns
// the updated workflow.
func (o *Orchestrator) Decide(ctx context.Context, stepID, actorID, decision, comment string) (wf model.Workflow, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.decide",
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(actorID),
		observability.AttrDecision.String(decision),
	)
	start := o.clock.Now()
	defer func() {
		observability.EndSpanWithError(span, err)
		o.metrics.RecordOperation("decide", o.clock.Since(start))
	}()

	if decision != model.DecisionApproved && decision != model.DecisionRejected {
		return model.Workflow{}, model.NewValidationError([]model.FieldError{{
			Field:   "decision",
			Code:    "INVALID",
			Message: "decision must be approved or rejected",
		}})
	}

	// 1. Load the step and its workflow.
	step, wf, err := o.loadStep(ctx, stepID)
	if err != nil {
		return model.Workflow{}, err
	}

	// 2. The step must be active and belong to the caller.
	if err := CheckActive(wf, step); err != nil {
		return model.Workflow{}, err
	}
	if step.ApproverID != actorID {
		return model.Workflow{}, model.NewForbiddenError("only the assigned approver can decide this step").WithStep(step.ID)
	}

	return o.applyAndCommit(ctx, wf, step, actorID, decision, comment)
}

// Skip passes over a non-required active step. The step's approver or an
// actor holding the step skip capability may skip it.
func (o *Orchestrator) Skip(ctx context.Context, rctx *model.RequestContext, stepID, reason string) (wf model.Workflow, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.skip",
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(rctx.SubjectID),
	)
	start := o.clock.Now()
	defer func() {
		observability.EndSpanWithError(span, err)
		o.metrics.RecordOperation("skip", o.clock.Since(start))
	}()

	step, wf, err := o.loadStep(ctx, stepID)
	if err != nil {
		return model.Workflow{}, err
	}
	if err := CheckActive(wf, step); err != nil {
		return model.Workflow{}, err
	}
	if step.ApproverID != rctx.SubjectID {
		caps, err := o.capabilities(rctx)
		if err != nil {
			return model.Workflow{}, err
		}
		if !caps.Has(model.CapStepSkip) {
			return model.Workflow{}, model.NewForbiddenError("only the assigned approver can skip this step").WithStep(step.ID)
		}
	}
	if step.IsRequired {
		return model.Workflow{}, model.NewSkipNotAllowedError(step.ID).WithWorkflow(wf.ID)
	}

	return o.applyAndCommit(ctx, wf, step, rctx.SubjectID, model.DecisionSkipped, reason)
}

// applyAndCommit runs the transition engine for a verified active step and
// commits the outcome.
func (o *Orchestrator) applyAndCommit(ctx context.Context, wf model.Workflow, step model.Step, actorID, decision, comment string) (model.Workflow, error) {
	var next *model.Step
	if decision != model.DecisionRejected && step.StepNumber < wf.TotalSteps {
		steps, err := o.store.ListSteps(ctx, wf.ID)
		if err != nil {
			return model.Workflow{}, fmt.Errorf("list steps: %w", err)
		}
		next = findStep(steps, step.StepNumber+1)
	}

	now := o.clock.Now().UTC()
	out, err := Apply(wf, step, next, actorID, decision, comment, o.newID(), now)
	if err != nil {
		return model.Workflow{}, err
	}

	if err := o.commit(ctx, Mutation{Workflow: out.Workflow, Step: &out.Step, History: &out.History}, step.ID); err != nil {
		return model.Workflow{}, err
	}
	out.Workflow.Version++

	o.metrics.RecordDecision(wf.Kind, decision)
	if out.Workflow.IsTerminal() {
		o.metrics.RecordWorkflowCompletion(wf.Kind, out.Workflow.Status)
	}
	observability.RequestLogger(ctx, o.logger).Info("step decided",
		zap.String("workflow_id", wf.ID),
		zap.String("step_id", step.ID),
		zap.Int("step_number", step.StepNumber),
		zap.String("decision", decision),
		zap.String("workflow_status", out.Workflow.Status),
	)

	o.emit(ctx, o.decisionEvent(out, actorID, now))
	return out.Workflow, nil
}

func (o *Orchestrator) decisionEvent(out Outcome, actorID string, now time.Time) model.Event {
	wf, step := out.Workflow, out.Step
	evt := model.Event{
		ID:         o.newID(),
		WorkflowID: wf.ID,
		EventType:  out.Event,
		ActorID:    actorID,
		Severity:   model.SeverityForPriority(wf.Priority),
		OccurredAt: now,
	}
	switch out.Event {
	case model.EventWorkflowRejected:
		evt.Message = fmt.Sprintf("%q was rejected at step %d (%s)", wf.Title, step.StepNumber, step.Name)
		evt.TargetActorHint = wf.RequesterID
	case model.EventWorkflowApproved:
		evt.Message = fmt.Sprintf("%q was approved", wf.Title)
		evt.TargetActorHint = wf.RequesterID
	default:
		verb := "approved"
		if out.History.Decision == model.DecisionSkipped {
			verb = "skipped"
		}
		evt.Message = fmt.Sprintf("%q step %d was %s; step %d is awaiting your approval", wf.Title, step.StepNumber, verb, wf.CurrentStepNumber)
		if wf.CurrentApproverID != nil {
			evt.TargetActorHint = *wf.CurrentApproverID
		}
	}
	return evt
}

// Delegate reassigns a pending step from its approver to delegateToID.
func (o *Orchestrator) Delegate(ctx context.Context, stepID, actorID, delegateToID, reason string) (st model.Step, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.delegate",
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(actorID),
	)
	start := o.clock.Now()
	defer func() {
		observability.EndSpanWithError(span, err)
		o.metrics.RecordOperation("delegate", o.clock.Since(start))
	}()

	delegateToID = strings.TrimSpace(delegateToID)
	if delegateToID == "" {
		return model.Step{}, model.NewValidationError([]model.FieldError{{
			Field: "delegate_to_id", Code: "REQUIRED", Message: "delegate_to_id is required",
		}})
	}
	if delegateToID == actorID {
		return model.Step{}, model.NewValidationError([]model.FieldError{{
			Field: "delegate_to_id", Code: "INVALID", Message: "cannot delegate a step to yourself",
		}})
	}

	step, wf, err := o.loadStep(ctx, stepID)
	if err != nil {
		return model.Step{}, err
	}
	if step.Status != model.StepStatusPending {
		return model.Step{}, model.NewAlreadyDecidedError(step.ID, step.Status).WithWorkflow(wf.ID)
	}
	if wf.IsTerminal() {
		return model.Step{}, model.NewWorkflowClosedError(wf.ID, wf.Status).WithStep(step.ID)
	}
	if step.ApproverID != actorID {
		return model.Step{}, model.NewForbiddenError("only the assigned approver can delegate this step").WithStep(step.ID)
	}
	if !step.CanDelegate {
		return model.Step{}, model.NewDelegationNotAllowedError(step.ID).WithWorkflow(wf.ID)
	}
	if step.StepNumber == wf.CurrentStepNumber && wf.AwaitingRouting() {
		return model.Step{}, model.NewStepNotActiveError("workflow is awaiting routing").WithWorkflow(wf.ID).WithStep(step.ID)
	}

	note := fmt.Sprintf("Delegated by %s to %s", actorID, delegateToID)
	if r := strings.TrimSpace(reason); r != "" {
		note += ": " + r
	}
	now := o.clock.Now().UTC()
	nextWf, nextStep := Reassign(wf, step, delegateToID, note, now)

	if err := o.commit(ctx, Mutation{Workflow: nextWf, Step: &nextStep}, step.ID); err != nil {
		return model.Step{}, err
	}
	nextStep.Version++

	o.metrics.RecordDelegation()
	observability.RequestLogger(ctx, o.logger).Info("step delegated",
		zap.String("workflow_id", wf.ID),
		zap.String("step_id", step.ID),
		zap.String("from", actorID),
		zap.String("to", delegateToID),
	)

	o.emit(ctx, model.Event{
		ID:              o.newID(),
		WorkflowID:      wf.ID,
		EventType:       model.EventStepDelegated,
		ActorID:         actorID,
		Message:         fmt.Sprintf("%q step %d (%s) was delegated to you", wf.Title, step.StepNumber, step.Name),
		Severity:        model.SeverityForPriority(wf.Priority),
		TargetActorHint: delegateToID,
		OccurredAt:      now,
	})
	return nextStep, nil
}

// Cancel closes an open workflow. The requester or an actor holding the
// cancel capability may cancel it.
func (o *Orchestrator) Cancel(ctx context.Context, rctx *model.RequestContext, workflowID, reason string) (wf model.Workflow, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrActorID.String(rctx.SubjectID),
	)
	start := o.clock.Now()
	defer func() {
		observability.EndSpanWithError(span, err)
		o.metrics.RecordOperation("cancel", o.clock.Since(start))
	}()

	wf, err = o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.IsTerminal() {
		return model.Workflow{}, model.NewWorkflowClosedError(wf.ID, wf.Status)
	}
	if wf.RequesterID != rctx.SubjectID {
		caps, err := o.capabilities(rctx)
		if err != nil {
			return model.Workflow{}, err
		}
		if !caps.Has(model.CapWorkflowCancel) {
			return model.Workflow{}, model.NewForbiddenError("only the requester can cancel this workflow").WithWorkflow(wf.ID)
		}
	}

	steps, err := o.store.ListSteps(ctx, wf.ID)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("list steps: %w", err)
	}
	active := model.Step{StepNumber: wf.CurrentStepNumber}
	if s := findStep(steps, wf.CurrentStepNumber); s != nil {
		active = *s
	}

	target := wf.RequesterID
	if wf.CurrentApproverID != nil {
		target = *wf.CurrentApproverID
	}

	now := o.clock.Now().UTC()
	out, err := Cancel(wf, active, rctx.SubjectID, reason, o.newID(), now)
	if err != nil {
		return model.Workflow{}, err
	}
	if err := o.commit(ctx, Mutation{Workflow: out.Workflow, History: &out.History}, ""); err != nil {
		return model.Workflow{}, err
	}
	out.Workflow.Version++

	o.metrics.RecordWorkflowCompletion(wf.Kind, out.Workflow.Status)
	observability.RequestLogger(ctx, o.logger).Info("workflow cancelled",
		zap.String("workflow_id", wf.ID),
		zap.String("reason", reason),
	)

	o.emit(ctx, model.Event{
		ID:              o.newID(),
		WorkflowID:      wf.ID,
		EventType:       model.EventWorkflowCancelled,
		ActorID:         rctx.SubjectID,
		Message:         fmt.Sprintf("%q was cancelled", wf.Title),
		Severity:        model.SeverityInfo,
		TargetActorHint: target,
		OccurredAt:      now,
	})
	return out.Workflow, nil
}

// AwaitRouting removes the current owner of an open workflow and marks it
// with substate. The active step is not consumed. No notification is
// emitted; callers announce the hold themselves.
func (o *Orchestrator) AwaitRouting(ctx context.Context, workflowID, substate string) (model.Workflow, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.Workflow{}, err
	}
	next, err := AwaitRouting(wf, substate, o.clock.Now().UTC())
	if err != nil {
		return model.Workflow{}, err
	}
	if err := o.commit(ctx, Mutation{Workflow: next}, ""); err != nil {
		return model.Workflow{}, err
	}
	next.Version++

	observability.RequestLogger(ctx, o.logger).Info("workflow awaiting routing",
		zap.String("workflow_id", wf.ID),
		zap.String("substate", substate),
	)
	return next, nil
}

// Route assigns the active step of an awaiting workflow to assigneeID, or to
// the step's existing approver when assigneeID is empty, and clears the
// routing substate.
func (o *Orchestrator) Route(ctx context.Context, workflowID, assigneeID string) (model.Workflow, model.Step, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.Workflow{}, model.Step{}, err
	}
	steps, err := o.store.ListSteps(ctx, wf.ID)
	if err != nil {
		return model.Workflow{}, model.Step{}, fmt.Errorf("list steps: %w", err)
	}
	active := findStep(steps, wf.CurrentStepNumber)
	if active == nil {
		return model.Workflow{}, model.Step{}, fmt.Errorf("workflow %q: active step %d missing", wf.ID, wf.CurrentStepNumber)
	}

	approver := strings.TrimSpace(assigneeID)
	if approver == "" {
		approver = active.ApproverID
	}
	nextWf, nextStep, err := Route(wf, *active, approver, o.clock.Now().UTC())
	if err != nil {
		return model.Workflow{}, model.Step{}, err
	}

	m := Mutation{Workflow: nextWf}
	if nextStep.ApproverID != active.ApproverID {
		m.Step = &nextStep
	}
	if err := o.commit(ctx, m, active.ID); err != nil {
		return model.Workflow{}, model.Step{}, err
	}
	nextWf.Version++
	if m.Step != nil {
		nextStep.Version++
	}

	observability.RequestLogger(ctx, o.logger).Info("workflow routed",
		zap.String("workflow_id", wf.ID),
		zap.String("approver_id", approver),
	)
	return nextWf, nextStep, nil
}

// Workflow returns a workflow by ID.
func (o *Orchestrator) Workflow(ctx context.Context, workflowID string) (model.Workflow, error) {
	return o.store.GetWorkflow(ctx, workflowID)
}

// ListPendingFor returns the steps awaiting actorID, joined with their
// workflows and requester identities.
func (o *Orchestrator) ListPendingFor(ctx context.Context, actorID string, includeUpcoming bool) ([]model.PendingItem, error) {
	items, err := o.store.ListPending(ctx, actorID, includeUpcoming)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Workflow.RequesterID)
	}
	actors := o.lookup(ctx, ids)
	for i := range items {
		items[i].Requester = summaryOf(actors, items[i].Workflow.RequesterID)
	}
	return items, nil
}

// ListWorkflows returns workflows matching filters with requester and current
// approver identities joined in.
func (o *Orchestrator) ListWorkflows(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowSummary, error) {
	wfs, err := o.store.ListWorkflows(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	ids := make([]string, 0, 2*len(wfs))
	for _, wf := range wfs {
		ids = append(ids, wf.RequesterID)
		if wf.CurrentApproverID != nil {
			ids = append(ids, *wf.CurrentApproverID)
		}
	}
	actors := o.lookup(ctx, ids)

	result := make([]model.WorkflowSummary, 0, len(wfs))
	for _, wf := range wfs {
		s := model.WorkflowSummary{Workflow: wf, Requester: summaryOf(actors, wf.RequesterID)}
		if wf.CurrentApproverID != nil {
			approver := summaryOf(actors, *wf.CurrentApproverID)
			s.CurrentApprover = &approver
		}
		result = append(result, s)
	}
	return result, nil
}

// WorkflowHistory returns a workflow with its steps and decision history.
func (o *Orchestrator) WorkflowHistory(ctx context.Context, workflowID string) (model.WorkflowDetail, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.WorkflowDetail{}, err
	}
	steps, err := o.store.ListSteps(ctx, workflowID)
	if err != nil {
		return model.WorkflowDetail{}, fmt.Errorf("list steps: %w", err)
	}
	history, err := o.store.History(ctx, workflowID)
	if err != nil {
		return model.WorkflowDetail{}, fmt.Errorf("history: %w", err)
	}
	return model.WorkflowDetail{Workflow: wf, Steps: steps, History: history}, nil
}

// --- internals ---

func (o *Orchestrator) loadStep(ctx context.Context, stepID string) (model.Step, model.Workflow, error) {
	return o.store.LoadStep(ctx, stepID)
}

// commit writes m. When it loses an optimistic race on stepID and the step
// has since been decided, the caller sees ALREADY_DECIDED instead of CONFLICT.
func (o *Orchestrator) commit(ctx context.Context, m Mutation, stepID string) error {
	err := o.store.Commit(ctx, m)
	if err == nil {
		return nil
	}
	if !model.HasCode(err, model.ErrConflict) {
		return fmt.Errorf("commit workflow %s: %w", m.Workflow.ID, err)
	}

	o.metrics.RecordConflict()
	if stepID != "" {
		if current, gerr := o.store.GetStep(ctx, stepID); gerr == nil && current.Status != model.StepStatusPending {
			return model.NewAlreadyDecidedError(current.ID, current.Status).WithWorkflow(m.Workflow.ID)
		}
	}
	return model.NewConflictError("workflow was modified concurrently, retry the request").WithWorkflow(m.Workflow.ID)
}

func (o *Orchestrator) capabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if o.capResolver == nil || rctx == nil {
		return model.CapabilitySet{}, nil
	}
	caps, err := o.capResolver.Resolve(rctx)
	if err != nil {
		return nil, fmt.Errorf("resolve capabilities: %w", err)
	}
	return caps, nil
}

// emit publishes evt. Delivery failures never affect committed state.
func (o *Orchestrator) emit(ctx context.Context, evt model.Event) {
	if o.sink == nil {
		return
	}
	_, span := observability.StartSpan(ctx, "notify.publish",
		observability.AttrWorkflowID.String(evt.WorkflowID),
		observability.AttrEventType.String(evt.EventType),
	)
	err := o.sink.Publish(context.WithoutCancel(ctx), evt)
	observability.EndSpanWithError(span, err)
	if err != nil {
		observability.RequestLogger(ctx, o.logger).Warn("notification not delivered",
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("event_type", evt.EventType),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) lookup(ctx context.Context, ids []string) map[string]model.Actor {
	if o.directory == nil || len(ids) == 0 {
		return nil
	}
	actors, err := o.directory.LookupMany(ctx, ids)
	if err != nil {
		observability.RequestLogger(ctx, o.logger).Warn("directory lookup failed", zap.Error(err))
		return nil
	}
	return actors
}

func summaryOf(actors map[string]model.Actor, id string) model.ActorSummary {
	if a, ok := actors[id]; ok {
		return a.Summary()
	}
	return model.ActorSummary{ID: id}
}

func findStep(steps []model.Step, number int) *model.Step {
	for i := range steps {
		if steps[i].StepNumber == number {
			return &steps[i]
		}
	}
	return nil
}
