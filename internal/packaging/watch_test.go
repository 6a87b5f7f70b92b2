package packaging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/catalog"
)

func TestSplitDropName(t *testing.T) {
	cases := map[string][2]string{
		"demo-1.0.0":      {"demo", "1.0.0"},
		"my-app-2.1.0":    {"my-app", "2.1.0"},
		"noversion":       {"", ""},
		"-1.0.0":          {"", ""},
		"trailing-hyphen-": {"", ""},
	}

	for stem, want := range cases {
		appID, version, ok := splitDropName(stem)
		if want[0] == "" && want[1] == "" {
			if ok {
				t.Errorf("splitDropName(%q) = (%q,%q,%v), want not ok", stem, appID, version, ok)
			}

			continue
		}

		if !ok || appID != want[0] || version != want[1] {
			t.Errorf("splitDropName(%q) = (%q,%q,%v), want (%q,%q,true)", stem, appID, version, ok, want[0], want[1])
		}
	}
}

func TestWatchDropDir_IngestsDroppedZip(t *testing.T) {
	dir := t.TempDir()

	store := blobstore.NewMemStore()
	reg := catalog.NewInMemoryRegistry()

	if err := reg.CreateApp(context.Background(), catalog.App{ID: "demo", Name: "Demo"}); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	published := make(chan string, 1)

	go WatchDropDir(ctx, dir, store, reg, "main.py", func(appID catalog.AppID, version string) {
		published <- string(appID) + "@" + version
	})

	zipBytes := buildZip(t, map[string]string{"main.py": "print(1)"}, nil)

	if err := os.WriteFile(filepath.Join(dir, "demo-1.0.0.zip"), zipBytes, 0o644); err != nil {
		t.Fatalf("writing dropped zip: %v", err)
	}

	select {
	case got := <-published:
		if got != "demo@1.0.0" {
			t.Fatalf("published %q, want demo@1.0.0", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch-dir to publish the dropped archive")
	}

	v, err := reg.GetActiveVersion(context.Background(), "demo")
	if err != nil {
		t.Fatalf("GetActiveVersion: %v", err)
	}

	if len(v.Manifest) != 1 {
		t.Fatalf("unexpected manifest: %+v", v.Manifest)
	}
}
