//go:build unix

package apply

import "golang.org/x/sys/unix"

// isExecutable reports whether the current user may execute path
// (access(2) with X_OK), the same check used to tell a plain data file from a native launcher when
// the entry point carries no suffix.
func isExecutable(path string) bool {
	return unix.Access(path, unix.X_OK) == nil
}
