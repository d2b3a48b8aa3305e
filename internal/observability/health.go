package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build information, set from main.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /ready body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks lists what must be up before the service takes traffic.
// The role policy and actor directory are always checked; a nil
// WorkflowStore or Redis is skipped.
type ReadinessChecks struct {
	PolicyLoaded    func() bool
	DirectoryLoaded func() bool

	WorkflowStore HealthChecker
	Redis         HealthChecker
}

var (
	errPolicyNotLoaded    = errors.New("no role policy loaded")
	errDirectoryNotLoaded = errors.New("no actor directory loaded")
)

const checkTimeout = 2 * time.Second

func loadedCheck(loaded func() bool, notLoaded error) HealthChecker {
	return HealthCheckFunc(func(context.Context) error {
		if loaded == nil || !loaded() {
			return notLoaded
		}
		return nil
	})
}

func (c ReadinessChecks) named() map[string]HealthChecker {
	m := map[string]HealthChecker{
		"capability_policy": loadedCheck(c.PolicyLoaded, errPolicyNotLoaded),
		"directory":         loadedCheck(c.DirectoryLoaded, errDirectoryNotLoaded),
	}
	if c.WorkflowStore != nil {
		m["workflow_store"] = c.WorkflowStore
	}
	if c.Redis != nil {
		m["redis"] = c.Redis
	}
	return m
}

// HandleHealth serves liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every check concurrently, each under its own timeout,
// and answers 503 if any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		results := make(map[string]CheckResult, len(named))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, hc := range named {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), hc)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, hc HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
