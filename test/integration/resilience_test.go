package integration

import (
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/siteops/approvals/model"
)

// ==========================================================================
// Idempotency Tests
// ==========================================================================

func TestResilience_IdempotentCreateReplays(t *testing.T) {
	for name, opts := range map[string][]HarnessOption{
		"memory": nil,
		"redis":  {WithRedis()},
	} {
		t.Run(name, func(t *testing.T) {
			h := NewTestHarness(t, opts...)
			token := h.TokenFor("u-operator")
			headers := map[string]string{"X-Idempotency-Key": "create-42"}

			first := h.POSTWithHeaders("/api/v1/workflows", TwoStepTraining(), token, headers)
			var d1 model.WorkflowDetail
			h.AssertJSON(t, first, http.StatusCreated, &d1)

			second := h.POSTWithHeaders("/api/v1/workflows", TwoStepTraining(), token, headers)
			if second.Header.Get("X-Idempotent-Replay") != "true" {
				t.Error("replayed response should carry X-Idempotent-Replay")
			}
			var d2 model.WorkflowDetail
			h.AssertJSON(t, second, http.StatusCreated, &d2)
			if d1.Workflow.ID != d2.Workflow.ID {
				t.Errorf("replay created %q, want %q", d2.Workflow.ID, d1.Workflow.ID)
			}

			var list listResponse
			h.AssertJSON(t, h.GET("/api/v1/workflows", token), http.StatusOK, &list)
			if len(list.Items) != 1 {
				t.Errorf("workflows = %d, want 1", len(list.Items))
			}

			// Same key with a different body is rejected.
			body := TwoStepTraining()
			body["title"] = "Something else"
			h.AssertError(t, h.POSTWithHeaders("/api/v1/workflows", body, token, headers),
				http.StatusConflict, model.ErrConflict)

			if got := testutil.ToFloat64(h.Metrics.IdempotencyReplaysTotal); got != 1 {
				t.Errorf("replays metric = %v, want 1", got)
			}
		})
	}
}

func TestResilience_IdempotencyKeyScopedToSubject(t *testing.T) {
	h := NewTestHarness(t)
	headers := map[string]string{"X-Idempotency-Key": "shared"}

	var a, b model.WorkflowDetail
	h.AssertJSON(t, h.POSTWithHeaders("/api/v1/workflows", TwoStepTraining(), h.TokenFor("u-operator"), headers),
		http.StatusCreated, &a)
	h.AssertJSON(t, h.POSTWithHeaders("/api/v1/workflows", TwoStepTraining(), h.TokenFor("u-deputy"), headers),
		http.StatusCreated, &b)
	if a.Workflow.ID == b.Workflow.ID {
		t.Error("different subjects must not share idempotency records")
	}
}

// ==========================================================================
// Concurrency Tests
// ==========================================================================

func TestResilience_ConcurrentDecisionsOnOneStep(t *testing.T) {
	for name, opts := range map[string][]HarnessOption{
		"memory": nil,
		"sqlite": {WithSQLiteStore()},
	} {
		t.Run(name, func(t *testing.T) {
			h := NewTestHarness(t, opts...)
			detail := h.CreateWorkflow(t, "u-operator", TwoStepTraining())
			stepID := detail.Steps[0].ID

			const racers = 8
			statuses := make(chan int, racers)
			var wg sync.WaitGroup
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					decision := model.DecisionApproved
					if i%2 == 1 {
						decision = model.DecisionRejected
					}
					resp := decide(h, stepID, "u-supervisor", decision)
					resp.Body.Close()
					statuses <- resp.StatusCode
				}(i)
			}
			wg.Wait()
			close(statuses)

			ok, conflicts := 0, 0
			for s := range statuses {
				switch s {
				case http.StatusOK:
					ok++
				case http.StatusConflict:
					conflicts++
				default:
					t.Errorf("unexpected status %d", s)
				}
			}
			if ok != 1 || conflicts != racers-1 {
				t.Fatalf("ok = %d, conflicts = %d; want exactly one winner", ok, conflicts)
			}

			var hist model.WorkflowDetail
			h.AssertJSON(t, h.GET("/api/v1/workflows/"+detail.Workflow.ID+"/history", h.TokenFor("u-operator")),
				http.StatusOK, &hist)
			if len(hist.History) != 1 {
				t.Errorf("history = %d entries, want 1", len(hist.History))
			}
		})
	}
}

// ==========================================================================
// Rate Limiting Tests
// ==========================================================================

func TestResilience_RateLimitOnWrites(t *testing.T) {
	h := NewTestHarness(t, WithRateLimit(0.001, 2))
	token := h.TokenFor("u-operator")

	h.AssertStatus(t, h.POST("/api/v1/workflows", TwoStepTraining(), token), http.StatusCreated)
	h.AssertStatus(t, h.POST("/api/v1/workflows", TwoStepTraining(), token), http.StatusCreated)

	resp := h.POST("/api/v1/workflows", TwoStepTraining(), token)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	h.AssertError(t, resp, http.StatusTooManyRequests, model.ErrRateLimited)

	// Reads are not limited and other subjects have their own bucket.
	h.AssertStatus(t, h.GET("/api/v1/workflows", token), http.StatusOK)
	h.AssertStatus(t, h.POST("/api/v1/workflows", TwoStepTraining(), h.TokenFor("u-deputy")), http.StatusCreated)

	if got := testutil.ToFloat64(h.Metrics.RateLimitedTotal); got != 1 {
		t.Errorf("rate limited metric = %v, want 1", got)
	}
}
