package apply

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/fleetpack/fleetpack/internal/client"
	"github.com/fleetpack/fleetpack/internal/planner"
)

// ioConcurrency returns the number of blobs to download in parallel. It
// reads FLEETPACK_MAX_CONCURRENCY if set, otherwise uses GOMAXPROCS*8,
// clamped to [4,1024], the same sizing the package manager's resolver
// uses for its own bounded fetch pool.
func ioConcurrency() int {
	if v := os.Getenv("FLEETPACK_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n < 4 {
				return 4
			}

			if n > 1024 {
				return 1024
			}

			return n
		}
	}

	c := runtime.GOMAXPROCS(0) * 8
	if c < 4 {
		c = 4
	}

	if c > 1024 {
		c = 1024
	}

	return c
}

// ProgressFunc is invoked synchronously on a download worker as each blob
// completes. Implementations must not block; the call is not buffered or
// dropped.
type ProgressFunc func(path string, downloaded, total int64)

// stageAll downloads every add entry into localDir with bounded
// concurrency, verifying each blob's hash before it is considered staged.
// Any single failure cancels the remaining downloads via the errgroup's
// shared context.
func stageAll(ctx context.Context, c *client.Client, localDir string, entries []planner.FileInfo, progress ProgressFunc) error {
	g, gctx := errgroup.WithContext(ctx)

	sem := make(chan struct{}, ioConcurrency())

	for _, entry := range entries {
		entry := entry

		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return g.Wait()
		}

		g.Go(func() error {
			defer func() { <-sem }()

			return stageOne(gctx, c, localDir, entry, progress)
		})
	}

	return g.Wait()
}

// stageOne fetches one blob fully into memory, hashes the complete buffer,
// and only if the hash matches entry.Hash writes it to a temp file beside
// the target and renames it into place. The bytes are not hashed while the
// response streams in: a corrupt body is detected after it has been read
// in full.
func stageOne(ctx context.Context, c *client.Client, localDir string, entry planner.FileInfo, progress ProgressFunc) error {
	target := filepath.Join(localDir, filepath.FromSlash(entry.Path))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	data, err := c.FetchBlob(ctx, entry.URL)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != entry.Hash {
		return fmt.Errorf("%w: %s", ErrVerification, entry.Path)
	}

	tmp := target + ".download"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if progress != nil {
		progress(entry.Path, int64(len(data)), entry.Size)
	}

	return nil
}

// verifyKeepEntries checks that every keep entry is still present on disk
// with the expected hash. Anything missing or drifted is returned as an
// additional add: local-mod recovery re-downloads it rather than trusting
// a file the user (or some other process) may have modified.
func verifyKeepEntries(localDir string, keep []planner.FileInfo) (stillGood []planner.FileInfo, needsRedownload []planner.FileInfo) {
	for _, entry := range keep {
		path := filepath.Join(localDir, filepath.FromSlash(entry.Path))

		data, err := os.ReadFile(path)
		if err != nil {
			needsRedownload = append(needsRedownload, entry)

			continue
		}

		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.Hash {
			needsRedownload = append(needsRedownload, entry)

			continue
		}

		stillGood = append(stillGood, entry)
	}

	return stillGood, needsRedownload
}

// removeAll deletes every delete entry's file. A target that is already
// gone is not an error: deletion is idempotent by design (testable
// property 6).
func removeAll(localDir string, entries []planner.FileInfo) error {
	for _, entry := range entries {
		path := filepath.Join(localDir, filepath.FromSlash(entry.Path))

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: removing %s: %v", ErrIO, entry.Path, err)
		}
	}

	return nil
}
