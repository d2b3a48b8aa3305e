// Package integration provides a reusable test harness for end-to-end
// integration testing of the approvals API. It starts a full HTTP server
// with the production middleware chain, a file-backed directory, and a test
// JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/capability"
	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/directory"
	"github.com/siteops/approvals/internal/escalation"
	"github.com/siteops/approvals/internal/idempotency"
	"github.com/siteops/approvals/internal/migrate"
	"github.com/siteops/approvals/internal/notify"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/internal/session"
	"github.com/siteops/approvals/internal/transport"
	"github.com/siteops/approvals/internal/workflow"
	"github.com/siteops/approvals/model"
)

// TestHarness encapsulates a fully wired approvals instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store        workflow.Store
	Orchestrator *workflow.Orchestrator
	Escalation   *escalation.Service
	Sink         *notify.MemorySink
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry
	Redis        *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	sqlite         bool
	redis          bool
	rateLimit      config.RateLimitConfig
	handlerTimeout time.Duration
}

// WithSQLiteStore backs the harness with a migrated SQLite database in a
// temporary directory instead of the memory store.
func WithSQLiteStore() HarnessOption {
	return func(c *harnessConfig) { c.sqlite = true }
}

// WithRedis runs an in-process Redis for idempotency records, session
// revocations and the notification channel.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) { c.redis = true }
}

// WithRateLimit sets the per-subject write rate limit.
func WithRateLimit(rps float64, burst int) HarnessOption {
	return func(c *harnessConfig) {
		c.rateLimit = config.RateLimitConfig{RequestsPerSecond: rps, Burst: burst}
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		rateLimit:      config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t, issuer: newTokenIssuer(t)}
	logger := zap.NewNop()

	// Step 1: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.RateLimit = hc.rateLimit
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = testIssuer
	h.cfg.Identity.Audience = testAudience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 2: Metrics on a private registry.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)

	// Step 3: Workflow store.
	readiness := observability.ReadinessChecks{}
	if hc.sqlite {
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.Join(t.TempDir(), "approvals.db"))
		db, err := workflow.OpenSQLite(dsn)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		if _, err := migrate.SQLite(context.Background(), db); err != nil {
			t.Fatalf("migrate sqlite: %v", err)
		}
		s := workflow.NewSQLiteStore(db)
		h.Store, readiness.WorkflowStore = s, s
	} else {
		s := workflow.NewMemoryStore()
		h.Store, readiness.WorkflowStore = s, s
	}

	// Step 4: Directory and capabilities.
	dir, err := directory.LoadFile(filepath.Join(testdataDir(), "actors.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	policy := capability.NewDefaultPolicyEvaluator()
	resolver := capability.NewResolver(policy, time.Minute)
	readiness.DirectoryLoaded = dir.Loaded
	readiness.PolicyLoaded = policy.Loaded

	// Step 5: Notifications, idempotency and sessions.
	h.Sink = notify.NewMemorySink()
	var sink notify.Sink = h.Sink
	var idem idempotency.Store = idempotency.NewMemoryStore()
	var sessions session.Store = session.NewMemoryStore(clock.New())

	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })

		sink = notify.Fanout{h.Sink, notify.NewRedisSink(client, notify.WithChannel(h.cfg.Notify.Channel))}
		idem = idempotency.NewRedisStore(client)
		sessions = session.NewRedisStore(client, h.cfg.Session.KeyPrefix, clock.New())
		readiness.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	validator, err := workflow.NewPayloadValidator()
	if err != nil {
		t.Fatalf("payload validator: %v", err)
	}

	h.Orchestrator = workflow.NewOrchestrator(h.Store,
		workflow.WithDirectory(dir),
		workflow.WithSink(sink),
		workflow.WithCapabilityResolver(resolver),
		workflow.WithPayloadValidator(validator),
		workflow.WithLogger(logger),
		workflow.WithMetrics(h.Metrics),
	)
	h.Escalation = escalation.NewService(h.Orchestrator,
		escalation.WithSink(sink),
		escalation.WithDirectory(dir),
		escalation.WithCapabilityResolver(resolver),
		escalation.WithLogger(logger),
		escalation.WithMetrics(h.Metrics),
	)

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks, sessions, logger),
		Directory:          dir,
		CapabilityResolver: resolver,
		Orchestrator:       h.Orchestrator,
		Escalation:         h.Escalation,
		Idempotency:        idem,
		Sessions:           sessions,
		Metrics:            h.Metrics,
		MetricsHandler:     observability.HandlerFor(h.Registry),
		Readiness:          readiness,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// TokenFor creates a valid token for a directory actor.
func (h *TestHarness) TokenFor(actorID string) string {
	return h.issuer.GenerateToken(TestClaims{SubjectID: actorID})
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var env struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &env)
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q", env.Error.Code, code)
	}
}

// --- Fixtures ---

// workflowResponse is the body of every endpoint that returns a workflow.
type workflowResponse struct {
	Workflow model.Workflow `json:"workflow"`
}

// TwoStepTraining returns a training approval request from u-operator with
// a delegable supervisor step and an optional manager step.
func TwoStepTraining() map[string]any {
	return map[string]any{
		"kind":     model.KindTrainingApproval,
		"title":    "Working at height",
		"priority": model.PriorityHigh,
		"payload":  map[string]any{"course_id": "WAH-2", "cost": 450},
		"approvers": []map[string]any{
			{"approver_id": "u-supervisor", "step_name": "Supervisor", "can_delegate": true},
			{"approver_id": "u-manager", "step_name": "Manager", "is_required": false},
		},
	}
}

// Incident returns an HSE incident request of the given severity.
func Incident(id, severity string) map[string]any {
	return map[string]any{
		"incident_id":    id,
		"severity":       severity,
		"title":          "Incident " + id,
		"location":       "Bay 4",
		"supervisor_id":  "u-supervisor",
		"hse_manager_id": "u-hse-tier1",
	}
}

// CreateWorkflow posts body as subject and returns the created detail.
func (h *TestHarness) CreateWorkflow(t *testing.T, subject string, body map[string]any) model.WorkflowDetail {
	t.Helper()
	var detail model.WorkflowDetail
	h.AssertJSON(t, h.POST("/api/v1/workflows", body, h.TokenFor(subject)), http.StatusCreated, &detail)
	return detail
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
