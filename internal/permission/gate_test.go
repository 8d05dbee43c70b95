package permission

import (
	"testing"
	"time"

	"github.com/kestrelai/runtime/pkg/models"
)

func TestNeedsConfirmation_DisabledGate(t *testing.T) {
	g := NewGate()
	g.SetEnabled(false)
	if g.NeedsConfirmation(models.PermissionWriteFile, "/anything") {
		t.Fatal("disabled gate must never require confirmation")
	}
}

func TestNeedsConfirmation_NoRule(t *testing.T) {
	g := NewGate()
	if !g.NeedsConfirmation(models.PermissionWriteFile, "/home/user/file.txt") {
		t.Fatal("no matching rule must require confirmation")
	}
}

func TestNeedsConfirmation_AllowRule(t *testing.T) {
	g := NewGate()
	g.AddRule(models.Rule{ToolType: models.PermissionWriteFile, ResourcePattern: "/safe/**", Allowed: true})
	if g.NeedsConfirmation(models.PermissionWriteFile, "/safe/nested/file.txt") {
		t.Fatal("matching allow rule must not require confirmation")
	}
}

func TestNeedsConfirmation_ExplicitDenyShortCircuits(t *testing.T) {
	g := NewGate()
	g.AddRule(models.Rule{ToolType: models.PermissionWriteFile, ResourcePattern: "/safe/**", Allowed: true})
	g.AddRule(models.Rule{ToolType: models.PermissionWriteFile, ResourcePattern: "/safe/secret.txt", Allowed: false})
	if !g.NeedsConfirmation(models.PermissionWriteFile, "/safe/secret.txt") {
		t.Fatal("explicit deny must short-circuit an overlapping allow")
	}
}

func TestNeedsConfirmation_PathTraversalAlwaysConfirms(t *testing.T) {
	// Testable property 3: canonicalization must defeat a "/safe/**" rule
	// for a path that escapes via "..".
	g := NewGate()
	g.AddRule(models.Rule{ToolType: models.PermissionWriteFile, ResourcePattern: "/safe/**", Allowed: true})
	_, err := CanonicalizePath("/safe/../etc/passwd")
	if err == nil {
		t.Fatal("expected canonicalization to reject a '..' component")
	}
	// Because canonicalization fails, the caller must treat the access as
	// requiring confirmation rather than calling NeedsConfirmation with an
	// un-canonicalized path at all.
}

func TestSessionGrant_ExpiresAndClears(t *testing.T) {
	g := NewGate()
	g.GrantSessionPermission(models.PermissionExecuteCommand, "ls *", time.Hour)
	if g.NeedsConfirmation(models.PermissionExecuteCommand, "ls -la") {
		t.Fatal("granted pattern must not require confirmation")
	}
	g.ClearSessionGrants()
	if !g.NeedsConfirmation(models.PermissionExecuteCommand, "ls -la") {
		t.Fatal("cleared grant must require confirmation again")
	}
}

func TestCleanupExpired_RemovesExpiredRuleAndGrant(t *testing.T) {
	g := NewGate()
	past := time.Now().Add(-time.Minute)
	g.AddRule(models.Rule{ToolType: models.PermissionWriteFile, ResourcePattern: "/tmp/**", Allowed: true, ExpiresAt: &past})
	g.grants = append(g.grants, models.SessionGrant{
		ToolType:        models.PermissionWriteFile,
		ResourcePattern: "/tmp/**",
		GrantedAt:       past.Add(-time.Hour),
		ExpiresAt:       past,
	})

	g.CleanupExpired()

	if len(g.GetRules()) != 0 {
		t.Fatal("expired rule should have been removed")
	}
	if g.hasSessionGrant(models.PermissionWriteFile, "/tmp/foo") {
		t.Fatal("expired grant should have been removed")
	}
}

func TestIsWhitelistAllowed_Tristate(t *testing.T) {
	g := NewGate()
	if g.IsWhitelistAllowed(models.PermissionHTTPRequest, "https://example.com") != nil {
		t.Fatal("no rule should report nil")
	}
	g.AddRule(models.Rule{ToolType: models.PermissionHTTPRequest, ResourcePattern: "*", Allowed: true})
	verdict := g.IsWhitelistAllowed(models.PermissionHTTPRequest, "https://example.com")
	if verdict == nil || !*verdict {
		t.Fatal("wildcard allow rule should report true")
	}
}
