package permission

import (
	"fmt"
	"os"
	"path/filepath"
)

// OpenForRead opens an existing file for reading without following a
// final symlink component: the check (CanonicalizePath / whitelist
// match) and the open must target the same inode, or a symlink swapped
// in between the two could redirect the read.
func OpenForRead(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|noFollowFlag, 0)
}

// OpenForWrite opens path for writing, TOCTOU-safe. If the target
// already exists it is opened with the no-follow-symlinks flag; if it
// does not exist yet, the parent directory is canonicalized first and
// the file is created under that canonical parent, so a symlink planted
// at the leaf name between the permission check and the open cannot
// redirect the write outside the checked tree.
func OpenForWrite(path string, flags int, perm os.FileMode) (*os.File, error) {
	if _, err := os.Lstat(path); err == nil {
		return os.OpenFile(path, flags|noFollowFlag, perm)
	}

	parent := filepath.Dir(path)
	canonicalParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return nil, fmt.Errorf("canonicalize parent directory: %w", err)
	}
	target := filepath.Join(canonicalParent, filepath.Base(path))
	return os.OpenFile(target, flags|os.O_CREATE|noFollowFlag, perm)
}
