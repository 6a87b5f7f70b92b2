// Package packaging implements the Packaging Service (C3): turning an
// uploaded release — either one whole ZIP archive or a sequence of
// individually streamed files — into a content-addressed manifest ready
// for catalog.CreateVersion.
package packaging

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/planner"
)

// ErrUnsafePath is returned when an archive or manifest entry resolves
// outside the release root (a "zip slip" style path).
var ErrUnsafePath = errors.New("packaging: unsafe path")

// ErrBadArchive is returned when the uploaded bytes are not a valid ZIP.
var ErrBadArchive = errors.New("packaging: not a valid zip archive")

// ErrMissingBlob is returned by ManifestFromHashes when a referenced hash was never
// uploaded via upload-file.
var ErrMissingBlob = errors.New("packaging: referenced blob not uploaded")

// NormalizePath POSIX-normalizes a manifest or archive entry path and
// rejects anything that would escape the release root.
func NormalizePath(raw string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(raw, "\\", "/"))

	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") ||
		strings.Contains(clean, "/../") || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, raw)
	}

	return clean, nil
}

// IngestZip expands archiveBytes into store and returns the resulting
// manifest. Directory entries and the __MACOSX/ metadata tree Finder adds
// to archives are skipped; every remaining entry is content-addressed and
// stored exactly once.
func IngestZip(ctx context.Context, store blobstore.Store, archiveBytes []byte) (planner.Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return nil, ErrBadArchive
	}

	manifest := planner.Manifest{}

	for _, entry := range zr.File {
		if strings.HasSuffix(entry.Name, "/") || entry.FileInfo().IsDir() {
			continue
		}

		name, err := NormalizePath(entry.Name)
		if err != nil {
			return nil, err
		}

		if strings.HasPrefix(name, "__MACOSX/") {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %s: %w", entry.Name, err)
		}

		data, err := io.ReadAll(rc)
		rc.Close()

		if err != nil {
			return nil, fmt.Errorf("read archive entry %s: %w", entry.Name, err)
		}

		id, err := store.Put(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("store archive entry %s: %w", entry.Name, err)
		}

		manifest[name] = planner.FileInfo{Hash: string(id), Path: name, Size: int64(len(data))}
	}

	return manifest, nil
}

// ManifestFromHashes builds a Manifest from a path-to-hash mapping posted
// by the streamed create-version step, verifying every referenced blob
// was already stored via upload-file (ErrMissingBlob otherwise).
func ManifestFromHashes(ctx context.Context, store blobstore.Store, pathToHash map[string]string) (planner.Manifest, error) {
	manifest := planner.Manifest{}

	for rawPath, hash := range pathToHash {
		clean, err := NormalizePath(rawPath)
		if err != nil {
			return nil, err
		}

		has, err := store.Has(ctx, blobstore.BlobID(hash))
		if err != nil {
			return nil, err
		}

		if !has {
			return nil, fmt.Errorf("%w: path %s hash %s", ErrMissingBlob, clean, hash)
		}

		size, err := store.Size(ctx, blobstore.BlobID(hash))
		if err != nil {
			return nil, err
		}

		manifest[clean] = planner.FileInfo{Hash: hash, Path: clean, Size: size}
	}

	return manifest, nil
}
