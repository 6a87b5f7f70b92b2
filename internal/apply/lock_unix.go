//go:build unix

package apply

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusive takes a non-blocking exclusive advisory lock on f. It
// returns ErrBusy if the lock is already held by another process.
func flockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrBusy
		}

		return err
	}

	return nil
}

func flockRelease(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
