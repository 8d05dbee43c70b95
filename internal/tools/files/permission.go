package files

import (
	"fmt"

	"github.com/kestrelai/runtime/internal/permission"
	"github.com/kestrelai/runtime/pkg/models"
)

// PermissionChecker mirrors permission.Gate's NeedsConfirmation method.
// Accepting the narrow interface here (rather than the concrete type)
// keeps this package's only dependency on internal/permission at the
// canonicalization helper below, not at the gate's internal state.
type PermissionChecker interface {
	NeedsConfirmation(kind models.PermissionType, resource string) bool
}

// checkWrite canonicalizes resolved and asks gate whether the write
// needs confirmation. A nil gate allows every write, equivalent to a
// globally-disabled gate. An autonomous tool call has no operator to
// ask, so "needs confirmation" is treated as a denial.
func checkWrite(gate PermissionChecker, resolved string) error {
	if gate == nil {
		return nil
	}
	canonical, err := permission.CanonicalizePath(resolved)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	if gate.NeedsConfirmation(models.PermissionWriteFile, canonical) {
		return fmt.Errorf("write to %s requires confirmation", resolved)
	}
	return nil
}
