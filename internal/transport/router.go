package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/directory"
	"github.com/siteops/approvals/internal/escalation"
	"github.com/siteops/approvals/internal/idempotency"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/internal/session"
	"github.com/siteops/approvals/internal/workflow"
	"github.com/siteops/approvals/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	Directory          directory.Directory
	CapabilityResolver model.CapabilityResolver
	Orchestrator       *workflow.Orchestrator
	Escalation         *escalation.Service
	Idempotency        idempotency.Store
	Sessions           session.Store
	Metrics            *observability.Metrics
	MetricsHandler     http.Handler
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(deps.Metrics.MetricsMiddleware)

	// Public routes, no authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	limiter := NewRateLimiter(cfg.Server.RateLimit, deps.Metrics)
	idem := func(operation string) func(http.Handler) http.Handler {
		return Idempotent(deps.Idempotency, cfg.Idempotency, operation, deps.Metrics)
	}
	orch := deps.Orchestrator
	hse := deps.Escalation

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths, deps.Directory, logger))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/workflows", handleWorkflowList(orch))
		r.Get("/workflows/{workflowId}/history", handleWorkflowHistory(orch))
		r.Get("/me/pending", handlePendingMe(orch))
		r.Get("/actors/{actorId}/pending", handlePendingFor(orch))

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)

			r.With(idem("workflows.create")).Post("/workflows", handleWorkflowCreate(orch))
			r.Post("/workflows/{workflowId}/cancel", handleWorkflowCancel(orch))

			r.Post("/steps/{stepId}/decision", handleStepDecision(orch))
			r.Post("/steps/{stepId}/delegate", handleStepDelegate(orch))
			r.Post("/steps/{stepId}/skip", handleStepSkip(orch))

			r.With(idem("hse.create")).Post("/hse/workflows", handleHSECreate(hse))
			r.Post("/hse/workflows/{workflowId}/escalate", handleHSEEscalate(hse))
			r.Post("/hse/workflows/{workflowId}/route", handleHSERoute(hse))

			r.Post("/session/revoke", handleSessionRevoke(deps.Sessions))
		})
	})

	return r
}
