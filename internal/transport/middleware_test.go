package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/idempotency"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

// contextMiddleware injects a RequestContext and CapabilitySet into the request.
func contextMiddleware(rctx *model.RequestContext, caps model.CapabilitySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := model.WithRequestContext(r.Context(), rctx)
			ctx = context.WithValue(ctx, capabilitiesKey{}, caps)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TestRateLimiter_perSubject(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	limiter := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}, m)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	send := func(subject string) *httptest.ResponseRecorder {
		h := contextMiddleware(&model.RequestContext{SubjectID: subject}, nil)(limiter.Middleware(ok))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
		return w
	}

	for i := 0; i < 2; i++ {
		if w := send("alice"); w.Code != 200 {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	w := send("alice")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 once burst is spent", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if w := send("bob"); w.Code != 200 {
		t.Errorf("other subject status = %d, want 200", w.Code)
	}
	if got := testutil.ToFloat64(m.RateLimitedTotal); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestRateLimiter_disabled(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{}, nil)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatalf("Allow() = false on request %d with limiting disabled", i)
		}
	}
}

func idempotencyCfg() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		Enabled:   true,
		TTL:       time.Hour,
		KeyPrefix: "test:",
	}
}

func TestIdempotent_replaysSameRequest(t *testing.T) {
	store := idempotency.NewMemoryStore()
	m := observability.InitMetrics(prometheus.NewRegistry())
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteJSON(w, http.StatusCreated, map[string]int{"n": calls})
	})
	h := contextMiddleware(&model.RequestContext{SubjectID: "u-1"}, nil)(
		Idempotent(store, idempotencyCfg(), "workflows.create", m)(inner))

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/", strings.NewReader(body))
		req.Header.Set(IdempotencyKeyHeader, "key-1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := send(`{"title":"a"}`)
	second := send(`{"title":"a"}`)

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if first.Code != 201 || second.Code != 201 {
		t.Errorf("status = %d/%d, want 201/201", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(IdempotentReplayHeader) != "true" {
		t.Error("replay should set the replay header")
	}
	if got := testutil.ToFloat64(m.IdempotencyReplaysTotal); got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}

	conflict := send(`{"title":"b"}`)
	if conflict.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 for a reused key", conflict.Code)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d after conflict, want 1", calls)
	}
	if got := testutil.ToFloat64(m.IdempotencyConflictsTotal); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
}

func TestIdempotent_scopedPerSubject(t *testing.T) {
	store := idempotency.NewMemoryStore()
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteJSON(w, http.StatusCreated, nil)
	})
	mw := Idempotent(store, idempotencyCfg(), "workflows.create", nil)

	for _, subject := range []string{"u-1", "u-2"} {
		h := contextMiddleware(&model.RequestContext{SubjectID: subject}, nil)(mw(inner))
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
		req.Header.Set(IdempotencyKeyHeader, "same-key")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2 (keys are per subject)", calls)
	}
}

func TestIdempotent_errorsNotSaved(t *testing.T) {
	store := idempotency.NewMemoryStore()
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteError(w, model.NewValidationError([]model.FieldError{{Field: "title", Code: "REQUIRED"}}))
	})
	h := contextMiddleware(&model.RequestContext{SubjectID: "u-1"}, nil)(
		Idempotent(store, idempotencyCfg(), "workflows.create", nil)(inner))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
		req.Header.Set(IdempotencyKeyHeader, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	if store.Len() != 0 {
		t.Errorf("store entries = %d, want 0", store.Len())
	}
}

func TestIdempotent_concurrentRetryRunsHandlerOnce(t *testing.T) {
	store := idempotency.NewMemoryStore()
	m := observability.InitMetrics(prometheus.NewRegistry())
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"id": "wf-1"})
	})
	h := contextMiddleware(&model.RequestContext{SubjectID: "u-1"}, nil)(
		Idempotent(store, idempotencyCfg(), "workflows.create", m)(inner))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{"title":"a"}`))
		req.Header.Set(IdempotencyKeyHeader, "k1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = send()
	}()
	<-entered

	// The first request holds the key while its handler runs.
	const retries = 4
	for i := 0; i < retries; i++ {
		if w := send(); w.Code != http.StatusConflict {
			t.Errorf("retry %d status = %d, want 409 while the first request runs", i, w.Code)
		}
	}

	close(release)
	wg.Wait()
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}

	replay := send()
	if replay.Code != http.StatusCreated || replay.Header().Get(IdempotentReplayHeader) != "true" {
		t.Errorf("after completion status = %d replay = %q, want a 201 replay",
			replay.Code, replay.Header().Get(IdempotentReplayHeader))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler executions = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.IdempotencyConflictsTotal); got != retries {
		t.Errorf("conflicts = %v, want %d", got, retries)
	}
}

func TestIdempotent_panicReleasesKey(t *testing.T) {
	store := idempotency.NewMemoryStore()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := contextMiddleware(&model.RequestContext{SubjectID: "u-1"}, nil)(
		Idempotent(store, idempotencyCfg(), "workflows.create", nil)(inner))

	func() {
		defer func() { _ = recover() }()
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
		req.Header.Set(IdempotencyKeyHeader, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()
	if store.Len() != 0 {
		t.Errorf("store entries = %d after a panic, want 0", store.Len())
	}
}

func TestIdempotent_withoutHeaderPassesThrough(t *testing.T) {
	store := idempotency.NewMemoryStore()
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(201)
	})
	h := contextMiddleware(&model.RequestContext{SubjectID: "u-1"}, nil)(
		Idempotent(store, idempotencyCfg(), "op", nil)(inner))

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader(fmt.Sprint(i))))
	}
	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
}

func TestMergeRoles(t *testing.T) {
	got := mergeRoles([]string{"A", "B"}, []string{"B", "", "C"})
	want := []string{"A", "B", "C"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("mergeRoles = %v, want %v", got, want)
	}
}

func TestExtractClaimStringSlice_singleString(t *testing.T) {
	claims := map[string]any{"role": "ADMIN"}
	if got := extractClaimStringSlice(claims, "role"); len(got) != 1 || got[0] != "ADMIN" {
		t.Errorf("extractClaimStringSlice = %v, want [ADMIN]", got)
	}
}
