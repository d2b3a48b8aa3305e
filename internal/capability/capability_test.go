package capability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-1",
		Roles:     roles,
	}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, err := e.ResolveCapabilities(testRctx(RoleHSETier1))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}

	if !caps.Has(model.CapHSEEscalate) {
		t.Error("HSE002 should have hse:escalate")
	}
	if caps.Has(model.CapHSERoute) {
		t.Error("HSE002 should not have hse:route")
	}
}

func TestStaticPolicyEvaluator_MultipleRoles(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx(RoleEmployee, RoleHSETier1))

	if !caps.Has(model.CapHSEEscalate) {
		t.Error("HSE002 should add hse:escalate")
	}
	if !caps.Has(model.CapWorkflowList) {
		t.Error("combined roles should have workflows:list")
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")

	tier2, _ := e.ResolveCapabilities(testRctx(RoleHSETier2))
	if !tier2.HasAll(model.CapHSERoute, model.CapHSEEscalate) {
		t.Error("HSE001 with hse:* should match every hse: capability")
	}
	if tier2.Has(model.CapWorkflowCancel) {
		t.Error("HSE001 should not have workflows:cancel")
	}

	admin, _ := e.ResolveCapabilities(testRctx(RoleAdmin))
	if !admin.HasAll(model.CapWorkflowCancel, model.CapStepSkip, model.CapHSERoute) {
		t.Error("ADMIN with * should match anything")
	}
}

func TestStaticPolicyEvaluator_UnknownRole(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("nonexistent"))

	if len(caps) != 0 {
		t.Errorf("unknown role should return empty capabilities, got %v", caps)
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	_, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestStaticPolicyEvaluator_EmptyFile(t *testing.T) {
	_, err := NewStaticPolicyEvaluator("testdata/empty.yaml")
	if err == nil {
		t.Fatal("expected error for policy file without roles")
	}
}

func TestDefaultPolicyEvaluator(t *testing.T) {
	e := NewDefaultPolicyEvaluator()
	if !e.Loaded() {
		t.Fatal("Loaded() = false for built-in table")
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	tests := []struct {
		role string
		cap  string
		want bool
	}{
		{RoleHSETier1, model.CapHSEEscalate, true},
		{RoleHSETier1, model.CapHSERoute, false},
		{RoleHSETier2, model.CapHSERoute, true},
		{RoleHSETier2, model.CapHSEEscalate, false},
		{RoleEmployee, model.CapWorkflowCreate, true},
		{RoleEmployee, model.CapWorkflowCancel, false},
		{RoleAdmin, model.CapWorkflowCancel, true},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.cap, func(t *testing.T) {
			caps, _ := e.ResolveCapabilities(testRctx(tt.role))
			if got := caps.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%s) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}

	// The built-in table is copied, not shared.
	DefaultRoles["TEMP"] = []string{"x"}
	defer delete(DefaultRoles, "TEMP")
	if caps, _ := e.ResolveCapabilities(testRctx("TEMP")); len(caps) != 0 {
		t.Errorf("evaluator sees later DefaultRoles edits: %v", caps)
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	r := NewResolver(e, 5*time.Minute, WithMetrics(m))

	rctx := testRctx(RoleEmployee)

	// First call: cache miss.
	caps1, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps1.Has(model.CapWorkflowList) {
		t.Error("should have workflows:list")
	}

	// Second call: cache hit (same result).
	caps2, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps2.Has(model.CapWorkflowList) {
		t.Error("cached result should have workflows:list")
	}

	if got := testutil.ToFloat64(m.CapabilityCacheHitsTotal); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CapabilityCacheMissesTotal); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
}

func TestResolver_RolesPartOfKey(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	r := NewResolver(e, 5*time.Minute)

	employee, _ := r.Resolve(testRctx(RoleEmployee))
	tier1, _ := r.Resolve(testRctx(RoleHSETier1))
	if employee.Has(model.CapHSEEscalate) || !tier1.Has(model.CapHSEEscalate) {
		t.Error("capability sets for different role sets must not be shared")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapWorkflowList: true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)
	rctx := testRctx()

	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1", callCount)
	}

	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-1")

	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapWorkflowList: true}, nil
		},
	}
	r := NewResolver(mock, 1*time.Millisecond) // very short TTL
	rctx := testRctx()

	r.Resolve(rctx)
	time.Sleep(5 * time.Millisecond)
	r.Resolve(rctx) // should be expired

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_Capacity(t *testing.T) {
	e := NewDefaultPolicyEvaluator()
	r := NewResolver(e, time.Minute, WithCapacity(2))

	for _, subject := range []string{"a", "b", "c"} {
		r.Resolve(&model.RequestContext{SubjectID: subject, Roles: []string{RoleEmployee}})
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}

func (m *mockEvaluator) Sync() error { return nil }
