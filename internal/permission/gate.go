// Package permission implements a whitelist + session-grant decision
// engine guarding file writes, command execution, git writes, HTTP
// requests, deletes, and terminal sessions.
//
// The gate never blocks by itself — NeedsConfirmation reports whether an
// interactive caller should be asked; an autonomous caller with no operator
// attached treats "needs confirmation" as a denial, the same way an
// unattended approval checker would.
package permission

import (
	"sync"
	"time"

	"github.com/kestrelai/runtime/pkg/models"
)

// key identifies a whitelist rule by type and pattern.
type key struct {
	Type    models.PermissionType
	Pattern string
}

// Gate decides whether a resource access needs interactive confirmation. It
// holds a concurrent map of whitelist rules and another of session grants,
// guarded by independent RWMutexes, plus a single atomic-by-mutex enable
// flag — mirroring the concurrency posture of agent.ToolRegistry and
// tools/policy.Resolver (RWMutex-guarded maps, rare exclusive writers).
type Gate struct {
	mu      sync.RWMutex
	enabled bool
	rules   map[key]models.Rule

	grantsMu            sync.RWMutex
	grants              []models.SessionGrant
	sessionGrantDefault time.Duration
}

// NewGate creates an enabled gate with no rules and no grants.
func NewGate() *Gate {
	return &Gate{
		enabled:             true,
		rules:               make(map[key]models.Rule),
		sessionGrantDefault: 30 * time.Minute,
	}
}

// SetEnabled toggles the gate globally. When disabled, NeedsConfirmation
// always returns false.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
}

// SetDefaultGrantDuration sets the duration used by GrantSessionPermission
// when called without an explicit duration.
func (g *Gate) SetDefaultGrantDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	g.grantsMu.Lock()
	defer g.grantsMu.Unlock()
	g.sessionGrantDefault = d
}

// AddRule inserts or replaces a whitelist rule.
func (g *Gate) AddRule(rule models.Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[key{Type: rule.ToolType, Pattern: rule.ResourcePattern}] = rule
}

// RemoveRule deletes a whitelist rule by type and pattern.
func (g *Gate) RemoveRule(toolType models.PermissionType, pattern string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rules, key{Type: toolType, Pattern: pattern})
}

// GetRules returns a snapshot of all whitelist rules.
func (g *Gate) GetRules() []models.Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Rule, 0, len(g.rules))
	for _, r := range g.rules {
		out = append(out, r)
	}
	return out
}

// GrantSessionPermission records an in-memory expiring grant for the
// current process lifetime. Session grants are never persisted.
func (g *Gate) GrantSessionPermission(toolType models.PermissionType, pattern string, duration time.Duration) {
	g.grantsMu.Lock()
	defer g.grantsMu.Unlock()
	if duration <= 0 {
		duration = g.sessionGrantDefault
	}
	now := time.Now()
	g.grants = append(g.grants, models.SessionGrant{
		ToolType:        toolType,
		ResourcePattern: pattern,
		GrantedAt:       now,
		ExpiresAt:       now.Add(duration),
	})
}

// ClearSessionGrants discards all session grants.
func (g *Gate) ClearSessionGrants() {
	g.grantsMu.Lock()
	defer g.grantsMu.Unlock()
	g.grants = nil
}

// CleanupExpired removes expired rules and session grants. The janitor
// acquires each lock only for the duration of the removal, never holding
// both at once.
func (g *Gate) CleanupExpired() {
	now := time.Now()

	g.mu.Lock()
	for k, r := range g.rules {
		if r.Expired(now) {
			delete(g.rules, k)
		}
	}
	g.mu.Unlock()

	g.grantsMu.Lock()
	kept := g.grants[:0]
	for _, gr := range g.grants {
		if !gr.Expired(now) {
			kept = append(kept, gr)
		}
	}
	g.grants = kept
	g.grantsMu.Unlock()
}

// IsWhitelistAllowed reports the whitelist's verdict for a resource: nil
// means no matching rule, a pointer to true means an explicit allow, a
// pointer to false means an explicit deny. Explicit denies are evaluated
// first so they short-circuit any allow rule that also matches.
func (g *Gate) IsWhitelistAllowed(toolType models.PermissionType, resource string) *bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now()
	var sawAllow bool
	for k, r := range g.rules {
		if k.Type != toolType || r.Expired(now) {
			continue
		}
		if !MatchPattern(k.Pattern, resource) {
			continue
		}
		if !r.Allowed {
			denied := false
			return &denied
		}
		sawAllow = true
	}
	if sawAllow {
		allowed := true
		return &allowed
	}
	return nil
}

// hasSessionGrant reports whether an unexpired grant covers this resource.
func (g *Gate) hasSessionGrant(toolType models.PermissionType, resource string) bool {
	g.grantsMu.RLock()
	defer g.grantsMu.RUnlock()

	now := time.Now()
	for _, gr := range g.grants {
		if gr.ToolType != toolType || gr.Expired(now) {
			continue
		}
		if MatchPattern(gr.ResourcePattern, resource) {
			return true
		}
	}
	return false
}

// NeedsConfirmation runs the gate's three-step decision algorithm:
//  1. globally disabled -> false
//  2. an unexpired session grant matches -> false
//  3. whitelist: explicit deny short-circuits to true; explicit allow ->
//     false; no matching rule -> true.
//
// For PermissionWriteFile, resource MUST already be the canonicalized
// path (see Canonicalize) — the gate does not canonicalize internally so
// callers can reuse a single canonicalization for both the confirmation
// check and the actual file operation.
func (g *Gate) NeedsConfirmation(toolType models.PermissionType, resource string) bool {
	g.mu.RLock()
	enabled := g.enabled
	g.mu.RUnlock()
	if !enabled {
		return false
	}

	if g.hasSessionGrant(toolType, resource) {
		return false
	}

	verdict := g.IsWhitelistAllowed(toolType, resource)
	if verdict == nil {
		return true
	}
	return !*verdict
}
