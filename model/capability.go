package model

import "strings"

// API capabilities. A route names the one capability its caller needs.
const (
	CapOrdersStart       = "orders:start"
	CapOrdersRead        = "orders:read"
	CapOrdersCancel      = "orders:cancel"
	CapVendorSignal      = "orders:signal:vendor"
	CapDeliverySignal    = "orders:signal:delivery"
	CapPayoutsWrite      = "payouts:write"
	CapPayoutsRead       = "payouts:read"
	CapNotificationsSend = "notifications:send"
)

// CapabilitySet is a set of capabilities granted to a caller. Each key is a
// capability string (e.g. "orders:read") and may include wildcards
// (e.g. "orders:*").
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

// HasAny returns true if the set matches at least one of the given
// capabilities (including via wildcards).
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
// Examples:
//
//	"*"               matches anything
//	"orders:*"        matches "orders:signal:vendor"
//	"orders:signal:*" matches "orders:signal:delivery"
//	"orders:signal"   does NOT match "orders:signal:vendor" (exact only, no wildcard)
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1] // "orders:*" → "orders:"
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities of the caller.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator maps a caller's roles to capabilities.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the given context.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
