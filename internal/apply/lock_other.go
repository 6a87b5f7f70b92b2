//go:build !unix

package apply

import "os"

// flockExclusive on non-unix platforms takes no kernel-level advisory
// lock. On windows the O_CREATE|O_EXCL create in acquireLock provides the
// exclusion (see lock.go); other non-unix platforms have none.
func flockExclusive(f *os.File) error {
	return nil
}

func flockRelease(f *os.File) error {
	return nil
}
