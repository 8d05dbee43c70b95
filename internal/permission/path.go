package permission

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a path contains a ".." component.
var ErrPathTraversal = errors.New("path contains a '..' component")

// ErrPathNotAbsolute is returned when a path is not absolute.
var ErrPathNotAbsolute = errors.New("path must be absolute")

// CanonicalizePath resolves a filesystem path for permission matching:
// reject non-absolute paths, reject any ".." component, resolve
// symlinks, and normalize separators to "/". If the path does
// not exist, its parent is canonicalized and the file name re-joined; if
// that also fails (parent doesn't exist either), canonicalization falls
// back to purely lexical normalization of the original input.
func CanonicalizePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", ErrPathNotAbsolute
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}

	cleaned := filepath.Clean(path)

	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		return toSlash(resolved), nil
	}

	parent := filepath.Dir(cleaned)
	name := filepath.Base(cleaned)
	if resolvedParent, err := filepath.EvalSymlinks(parent); err == nil {
		return toSlash(filepath.Join(resolvedParent, name)), nil
	}

	return toSlash(cleaned), nil
}

func toSlash(p string) string {
	return filepath.ToSlash(p)
}

// ValidateNoTraversal is a lightweight guard used by tools that accept a
// relative pattern/path fragment rather than a full filesystem path (e.g.
// the glob tool's pattern argument): it rejects absolute fragments and any
// ".." component without touching the filesystem.
func ValidateNoTraversal(fragment string) error {
	if filepath.IsAbs(fragment) {
		return fmt.Errorf("must not be absolute: %q", fragment)
	}
	for _, seg := range strings.Split(filepath.ToSlash(fragment), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrPathTraversal, fragment)
		}
	}
	return nil
}
