package capability

import (
	"fmt"
	"maps"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/siteops/approvals/model"
)

// Directory roles known to the approval service.
const (
	RoleHSETier2 = "HSE001"
	RoleHSETier1 = "HSE002"
	RoleAdmin    = "ADMIN"
	RoleEmployee = "EMPLOYEE"
)

// DefaultRoles is the built-in role table used when no policy file is
// configured.
var DefaultRoles = map[string][]string{
	RoleHSETier2: {
		model.CapHSECreate,
		model.CapHSERoute,
		model.CapWorkflowCreate,
		model.CapWorkflowList,
		model.CapPendingViewOthers,
	},
	RoleHSETier1: {
		model.CapHSECreate,
		model.CapHSEEscalate,
		model.CapWorkflowCreate,
		model.CapWorkflowList,
	},
	RoleEmployee: {
		model.CapWorkflowCreate,
		model.CapWorkflowList,
	},
	RoleAdmin: {"*"},
}

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a static role table,
// either the built-in DefaultRoles or a YAML file mapping roles to
// capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewDefaultPolicyEvaluator creates an evaluator over DefaultRoles.
func NewDefaultPolicyEvaluator() *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{policy: policyFile{Roles: maps.Clone(DefaultRoles)}}
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Loaded reports whether a role table is in place. Used by readiness checks.
func (e *StaticPolicyEvaluator) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policy.Roles) > 0
}

// Sync reloads the policy file from disk. The built-in table has nothing to
// reload.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", e.path)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
