package apply

import (
	"os"
	"path/filepath"
	"runtime"
)

const lockFileName = ".update.lock"

// dirLock is the advisory lock guaranteeing one apply per local_dir at a
// time. On unix the lock file is flock'd without blocking, so a second
// apply fails immediately and a crashed holder that left the file behind
// does not wedge future applies (the kernel drops its flock). On windows
// the file is created with O_EXCL instead, so a second apply fails while
// the file exists; other platforms take no lock.
type dirLock struct {
	path string
	file *os.File
}

// acquireLock takes the advisory lock on dir, returning ErrBusy if another
// apply already holds it.
func acquireLock(dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)

	flags := os.O_RDWR | os.O_CREATE
	if runtime.GOOS == "windows" {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrBusy
		}

		return nil, err
	}

	if err := flockExclusive(f); err != nil {
		f.Close()

		return nil, err
	}

	return &dirLock{path: path, file: f}, nil
}

func (l *dirLock) release() error {
	flockRelease(l.file)

	if err := l.file.Close(); err != nil {
		return err
	}

	return os.Remove(l.path)
}
