package apply

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/catalog"
	"github.com/fleetpack/fleetpack/internal/client"
	"github.com/fleetpack/fleetpack/internal/httpapi"
)

func buildTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}

		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	return buf.Bytes()
}

func newBackend(t *testing.T) (*httptest.Server, *client.Client) {
	t.Helper()

	reg := catalog.NewInMemoryRegistry()
	if err := reg.CreateApp(context.Background(), catalog.App{ID: "demo", Name: "Demo"}); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}

	srv := httpapi.NewServer(blobstore.NewMemStore(), reg)
	backend := httptest.NewServer(srv.Mux())

	return backend, client.New(backend.URL)
}

func publishZip(t *testing.T, c *client.Client, version string, files map[string]string) {
	t.Helper()

	zipBytes := buildTestZip(t, files)

	if _, err := c.UploadZip(context.Background(), "demo", version, "main.py", "release "+version, true, zipBytes); err != nil {
		t.Fatalf("UploadZip(%s): %v", version, err)
	}
}

func TestEngine_FreshInstall(t *testing.T) {
	backend, c := newBackend(t)
	defer backend.Close()

	publishZip(t, c, "1.0.0", map[string]string{"main.py": "print(1)", "lib/a.py": "A"})

	localDir := t.TempDir()

	eng := &Engine{Client: c, LocalDir: localDir, AppID: "demo"}

	result, err := eng.Apply(context.Background())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !result.Updated || result.Version != "1.0.0" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if eng.State() != Committed {
		t.Fatalf("state = %v, want Committed", eng.State())
	}

	for path, want := range map[string]string{"main.py": "print(1)", "lib/a.py": "A"} {
		got, err := os.ReadFile(filepath.Join(localDir, path))
		if err != nil {
			t.Fatalf("reading %s: %v", path, err)
		}

		if string(got) != want {
			t.Fatalf("%s = %q, want %q", path, got, want)
		}
	}

	cfg, err := loadLocalConfig(localDir)
	if err != nil {
		t.Fatalf("loadLocalConfig: %v", err)
	}

	if cfg.Version == nil || *cfg.Version != "1.0.0" {
		t.Fatalf("unexpected local config: %+v", cfg)
	}
}

func TestEngine_NoOpWhenUpToDate(t *testing.T) {
	backend, c := newBackend(t)
	defer backend.Close()

	publishZip(t, c, "1.0.0", map[string]string{"main.py": "print(1)"})

	localDir := t.TempDir()

	eng := &Engine{Client: c, LocalDir: localDir, AppID: "demo"}

	if _, err := eng.Apply(context.Background()); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	result, err := eng.Apply(context.Background())
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if result.Updated {
		t.Fatalf("expected no-op apply, got %+v", result)
	}
}

func TestEngine_IncrementalAddsAndDeletes(t *testing.T) {
	backend, c := newBackend(t)
	defer backend.Close()

	publishZip(t, c, "1.0.0", map[string]string{"main.py": "print(1)", "old.py": "old"})

	localDir := t.TempDir()

	eng := &Engine{Client: c, LocalDir: localDir, AppID: "demo"}

	if _, err := eng.Apply(context.Background()); err != nil {
		t.Fatalf("apply v1: %v", err)
	}

	publishZip(t, c, "2.0.0", map[string]string{"main.py": "print(2)", "new.py": "new"})

	result, err := eng.Apply(context.Background())
	if err != nil {
		t.Fatalf("apply v2: %v", err)
	}

	if !result.Updated || result.Version != "2.0.0" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := os.Stat(filepath.Join(localDir, "old.py")); !os.IsNotExist(err) {
		t.Fatalf("old.py should have been deleted, stat err = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(localDir, "new.py"))
	if err != nil || string(got) != "new" {
		t.Fatalf("new.py = %q, %v", got, err)
	}

	mainContents, err := os.ReadFile(filepath.Join(localDir, "main.py"))
	if err != nil || string(mainContents) != "print(2)" {
		t.Fatalf("main.py = %q, %v", mainContents, err)
	}
}

func TestEngine_LocalModRecovery(t *testing.T) {
	backend, c := newBackend(t)
	defer backend.Close()

	publishZip(t, c, "1.0.0", map[string]string{"main.py": "print(1)", "shared.py": "shared"})

	localDir := t.TempDir()

	eng := &Engine{Client: c, LocalDir: localDir, AppID: "demo"}

	if _, err := eng.Apply(context.Background()); err != nil {
		t.Fatalf("apply v1: %v", err)
	}

	if err := os.WriteFile(filepath.Join(localDir, "shared.py"), []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("corrupting shared.py: %v", err)
	}

	publishZip(t, c, "2.0.0", map[string]string{"main.py": "print(2)", "shared.py": "shared"})

	if _, err := eng.Apply(context.Background()); err != nil {
		t.Fatalf("apply v2: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(localDir, "shared.py"))
	if err != nil || string(got) != "shared" {
		t.Fatalf("shared.py not recovered: %q, %v", got, err)
	}
}

func TestEngine_ApplyIsIdempotentOnRetry(t *testing.T) {
	backend, c := newBackend(t)
	defer backend.Close()

	publishZip(t, c, "1.0.0", map[string]string{"main.py": "print(1)"})

	localDir := t.TempDir()

	eng := &Engine{Client: c, LocalDir: localDir, AppID: "demo"}

	if _, err := eng.Apply(context.Background()); err != nil {
		t.Fatalf("apply #1: %v", err)
	}

	if _, err := eng.Apply(context.Background()); err != nil {
		t.Fatalf("apply #2 (retry of a committed state): %v", err)
	}

	got, err := os.ReadFile(filepath.Join(localDir, "main.py"))
	if err != nil || string(got) != "print(1)" {
		t.Fatalf("main.py = %q, %v", got, err)
	}
}

// TestEngine_RollsBackCompletelyOnVerificationFailure checks that a
// download arriving corrupted mid-plan leaves local_dir exactly as it
// was before the apply started, including pruning files a partially
// completed stage already wrote, not merely overlaying the backup back
// on top of whatever staging left behind.
func TestEngine_RollsBackCompletelyOnVerificationFailure(t *testing.T) {
	reg := catalog.NewInMemoryRegistry()
	if err := reg.CreateApp(context.Background(), catalog.App{ID: "demo", Name: "Demo"}); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}

	store := blobstore.NewMemStore()
	srv := httpapi.NewServer(store, reg)

	corruptPath := "/apps/demo/blobs/" + string(blobstore.Sum([]byte("B")))

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == corruptPath {
			w.Write([]byte("not the real bytes"))

			return
		}

		srv.Mux().ServeHTTP(w, r)
	}))
	defer backend.Close()

	c := client.New(backend.URL)

	publishZip(t, c, "1.0.0", map[string]string{"main.py": "print(1)", "lib/a.py": "A"})

	localDir := t.TempDir()

	eng := &Engine{Client: c, LocalDir: localDir, AppID: "demo"}

	if _, err := eng.Apply(context.Background()); err != nil {
		t.Fatalf("apply v1: %v", err)
	}

	// v2 adds lib/b.py, whose blob the test server serves corrupted, and
	// also rewrites main.py so a second, good staged write is on disk by
	// the time the corrupted one is detected.
	publishZip(t, c, "2.0.0", map[string]string{"main.py": "print(2)", "lib/a.py": "A", "lib/b.py": "B"})

	_, err := eng.Apply(context.Background())
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}

	if eng.State() != RolledBack {
		t.Fatalf("state = %v, want RolledBack", eng.State())
	}

	got, err := os.ReadFile(filepath.Join(localDir, "main.py"))
	if err != nil || string(got) != "print(1)" {
		t.Fatalf("main.py = %q, %v, want unrolled-back print(1)", got, err)
	}

	if _, err := os.Stat(filepath.Join(localDir, "lib/b.py")); !os.IsNotExist(err) {
		t.Fatalf("lib/b.py should not survive rollback, stat err = %v", err)
	}

	got, err = os.ReadFile(filepath.Join(localDir, "lib/a.py"))
	if err != nil || string(got) != "A" {
		t.Fatalf("lib/a.py = %q, %v, want unchanged A", got, err)
	}
}

func TestEngine_BusyWhenLockHeld(t *testing.T) {
	backend, c := newBackend(t)
	defer backend.Close()

	localDir := t.TempDir()

	lock, err := acquireLock(localDir)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer lock.release()

	eng := &Engine{Client: c, LocalDir: localDir, AppID: "demo"}

	if _, err := eng.Apply(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while lock is held, got %v", err)
	}
}
