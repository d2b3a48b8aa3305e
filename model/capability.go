package model

import "strings"

// Capabilities checked by the approval service.
const (
	CapWorkflowCreate    = "workflows:create"
	CapWorkflowList      = "workflows:list"
	CapWorkflowCancel    = "workflows:cancel"
	CapStepSkip          = "workflows:step:skip"
	CapPendingViewOthers = "workflows:pending:view_others"
	CapHSECreate         = "hse:create"
	CapHSEEscalate       = "hse:escalate"
	CapHSERoute          = "hse:route"
)

// CapabilitySet is a set of capabilities granted to an actor. Each key is a
// capability string (e.g. "workflows:list") and may include wildcards
// (e.g. "hse:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                matches anything
//	"workflows:*"      matches "workflows:step:skip"
//	"workflows:step:*" matches "workflows:step:skip"
//	"workflows:step"   does NOT match "workflows:step:skip"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the subject of rctx.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator maps roles to capabilities.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the union of capabilities for the roles in
	// rctx.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync reloads policy data from its source.
	Sync() error
}
