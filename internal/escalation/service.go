package escalation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/capability"
	"github.com/siteops/approvals/internal/directory"
	"github.com/siteops/approvals/internal/notify"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/internal/workflow"
	"github.com/siteops/approvals/model"
)

// Escalation reasons recorded in metrics.
const (
	ReasonPolicy = "policy"
	ReasonManual = "manual"
)

// Tier2Target addresses every holder of the tier-2 role.
var Tier2Target = model.RoleTarget(capability.RoleHSETier2)

// Result is a created HSE workflow together with the policy applied to it.
type Result struct {
	model.WorkflowDetail
	Policy Decision `json:"policy"`
}

// Service creates HSE incident workflows and moves their ownership between
// the two HSE tiers.
type Service struct {
	orch        *workflow.Orchestrator
	sink        notify.Sink
	capResolver model.CapabilityResolver
	directory   directory.Directory
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics
	newID       func() string
}

// Option configures a Service.
type Option func(*Service)

// WithSink sets the notification sink.
func WithSink(s notify.Sink) Option {
	return func(svc *Service) { svc.sink = s }
}

// WithCapabilityResolver sets the resolver used for tier checks.
func WithCapabilityResolver(r model.CapabilityResolver) Option {
	return func(svc *Service) { svc.capResolver = r }
}

// WithDirectory sets the directory used to check that the HSE manager
// holds the tier-1 role.
func WithDirectory(d directory.Directory) Option {
	return func(svc *Service) { svc.directory = d }
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(svc *Service) { svc.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithIDGenerator overrides event ID generation. For testing.
func WithIDGenerator(fn func() string) Option {
	return func(svc *Service) { svc.newID = fn }
}

// NewService creates an escalation service on top of orch.
func NewService(orch *workflow.Orchestrator, opts ...Option) *Service {
	s := &Service{
		orch:   orch,
		clock:  clock.New(),
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateHSEWorkflow applies the severity policy to req and creates the
// workflow. Incidents needing tier-2 start without an owner and raise an
// urgent notification immediately.
func (s *Service) CreateHSEWorkflow(ctx context.Context, rctx *model.RequestContext, req IncidentRequest) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "hse.create",
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrSeverity.String(req.Severity),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := s.require(rctx, model.CapHSECreate, "create HSE workflows"); err != nil {
		return Result{}, err
	}
	if details := req.validate(); len(details) > 0 {
		return Result{}, model.NewValidationError(details)
	}
	decision, err := Evaluate(req.Severity)
	if err != nil {
		return Result{}, err
	}
	if err := s.checkTier1(ctx, req.HSEManagerID); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		req.RequesterID = rctx.SubjectID
	}

	var opts []workflow.CreateOption
	if decision.Tier2Required {
		opts = append(opts, workflow.StartAwaitingRouting(model.SubstateRequiresTier2))
	}
	detail, err := s.orch.CreateWorkflow(ctx, BuildRequest(req, decision), opts...)
	if err != nil {
		return Result{}, err
	}

	observability.RequestLogger(ctx, s.logger).Info("HSE workflow created",
		zap.String("workflow_id", detail.Workflow.ID),
		zap.String("incident_id", req.IncidentID),
		zap.String("hse_priority", decision.HSEPriority),
		zap.Bool("tier2_required", decision.Tier2Required),
	)

	if decision.Tier2Required {
		s.metrics.RecordEscalation(ReasonPolicy)
		s.emit(ctx, model.Event{
			ID:              s.newID(),
			WorkflowID:      detail.Workflow.ID,
			EventType:       model.EventHSETier2Required,
			ActorID:         rctx.SubjectID,
			Message:         fmt.Sprintf("%s incident %s %q requires tier-2 routing", decision.HSEPriority, req.IncidentID, req.Title),
			Severity:        model.SeverityUrgent,
			TargetActorHint: Tier2Target,
			OccurredAt:      s.clock.Now().UTC(),
		})
	}
	return Result{WorkflowDetail: detail, Policy: decision}, nil
}

// Escalate redirects ownership of an open HSE workflow to tier-2. Only
// tier-1 actors may escalate. The active step is not consumed.
func (s *Service) Escalate(ctx context.Context, rctx *model.RequestContext, workflowID, reason string) (wf model.Workflow, err error) {
	ctx, span := observability.StartSpan(ctx, "hse.escalate",
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := s.require(rctx, model.CapHSEEscalate, "escalate HSE workflows"); err != nil {
		return model.Workflow{}, err
	}
	if _, err := s.hseWorkflow(ctx, workflowID); err != nil {
		return model.Workflow{}, err
	}

	wf, err = s.orch.AwaitRouting(ctx, workflowID, model.SubstateRequiresTier2)
	if err != nil {
		return model.Workflow{}, err
	}
	s.metrics.RecordEscalation(ReasonManual)

	msg := fmt.Sprintf("%q was escalated to tier-2 by %s", wf.Title, rctx.SubjectID)
	if r := strings.TrimSpace(reason); r != "" {
		msg += ": " + r
	}
	s.emit(ctx, model.Event{
		ID:              s.newID(),
		WorkflowID:      wf.ID,
		EventType:       model.EventHSEEscalated,
		ActorID:         rctx.SubjectID,
		Message:         msg,
		Severity:        model.SeverityUrgent,
		TargetActorHint: Tier2Target,
		OccurredAt:      s.clock.Now().UTC(),
	})
	return wf, nil
}

// Route lets a tier-2 actor take an awaiting HSE workflow out of the
// requires_tier2 substate, assigning its active step to assigneeID or, when
// empty, to the step's existing approver.
func (s *Service) Route(ctx context.Context, rctx *model.RequestContext, workflowID, assigneeID string) (wf model.Workflow, err error) {
	ctx, span := observability.StartSpan(ctx, "hse.route",
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := s.require(rctx, model.CapHSERoute, "route HSE workflows"); err != nil {
		return model.Workflow{}, err
	}
	if _, err := s.hseWorkflow(ctx, workflowID); err != nil {
		return model.Workflow{}, err
	}

	wf, step, err := s.orch.Route(ctx, workflowID, assigneeID)
	if err != nil {
		return model.Workflow{}, err
	}
	s.metrics.RecordRouting()

	s.emit(ctx, model.Event{
		ID:              s.newID(),
		WorkflowID:      wf.ID,
		EventType:       model.EventHSERouted,
		ActorID:         rctx.SubjectID,
		Message:         fmt.Sprintf("%q step %d (%s) was routed to you", wf.Title, step.StepNumber, step.Name),
		Severity:        model.SeverityForPriority(wf.Priority),
		TargetActorHint: step.ApproverID,
		OccurredAt:      s.clock.Now().UTC(),
	})
	return wf, nil
}

// hseWorkflow loads workflowID and reports NOT_FOUND when it is not an HSE
// incident workflow.
func (s *Service) hseWorkflow(ctx context.Context, workflowID string) (model.Workflow, error) {
	wf, err := s.orch.Workflow(ctx, workflowID)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.Kind != model.KindHSEIncident {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("HSE workflow %q not found", workflowID)).WithWorkflow(workflowID)
	}
	return wf, nil
}

// checkTier1 rejects an HSE manager the directory does not know as a
// tier-1 actor. Without a directory the assignment is trusted.
func (s *Service) checkTier1(ctx context.Context, actorID string) error {
	if s.directory == nil {
		return nil
	}
	invalid := func(msg string) error {
		return model.NewValidationError([]model.FieldError{{
			Field: "hse_manager_id", Code: "INVALID", Message: msg,
		}})
	}
	a, err := s.directory.Lookup(ctx, actorID)
	if model.HasCode(err, model.ErrNotFound) {
		return invalid(fmt.Sprintf("actor %q is not in the directory", actorID))
	}
	if err != nil {
		return fmt.Errorf("lookup HSE manager: %w", err)
	}
	if !slices.Contains(a.Roles, capability.RoleHSETier1) {
		return invalid(fmt.Sprintf("actor %q does not hold the %s role", actorID, capability.RoleHSETier1))
	}
	return nil
}

func (s *Service) require(rctx *model.RequestContext, cap, action string) error {
	if s.capResolver == nil {
		return model.NewForbiddenError("not permitted to " + action)
	}
	caps, err := s.capResolver.Resolve(rctx)
	if err != nil {
		return fmt.Errorf("resolve capabilities: %w", err)
	}
	if !caps.Has(cap) {
		return model.NewForbiddenError("not permitted to " + action)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, evt model.Event) {
	if s.sink == nil {
		return
	}
	_, span := observability.StartSpan(ctx, "notify.publish",
		observability.AttrWorkflowID.String(evt.WorkflowID),
		observability.AttrEventType.String(evt.EventType),
	)
	err := s.sink.Publish(context.WithoutCancel(ctx), evt)
	observability.EndSpanWithError(span, err)
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("notification not delivered",
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("event_type", evt.EventType),
			zap.Error(err),
		)
	}
}

