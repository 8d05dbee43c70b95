//go:build unix

package permission

import "syscall"

// noFollowFlag refuses to open a path whose final component is a symlink.
const noFollowFlag = syscall.O_NOFOLLOW
