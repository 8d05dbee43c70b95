//go:build !unix

package permission

// noFollowFlag is a no-op on platforms without O_NOFOLLOW; Lstat-before-
// open in OpenForWrite still closes the create-new-file race on these
// platforms, just not the already-exists race.
const noFollowFlag = 0
