package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/catalog"
)

func newTestServer(t *testing.T) (*Server, *catalog.InMemoryRegistry) {
	t.Helper()

	reg := catalog.NewInMemoryRegistry()
	if err := reg.CreateApp(context.Background(), catalog.App{ID: "demo", Name: "Demo"}); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}

	return NewServer(blobstore.NewMemStore(), reg), reg
}

func buildZip(t *testing.T, files map[string]string) []byte {
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

func multipartUploadZip(t *testing.T, zipBytes []byte, fields map[string]string) (string, io.Reader) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}

	fw, err := mw.CreateFormFile("file", "release.zip")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}

	if _, err := fw.Write(zipBytes); err != nil {
		t.Fatalf("write zip part: %v", err)
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	return mw.FormDataContentType(), &buf
}

func TestUploadZipThenCheckUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	zipBytes := buildZip(t, map[string]string{
		"main.py":       "print('hi')",
		"lib/helper.py": "def f(): pass",
		"__MACOSX/junk": "ignored",
	})

	contentType, body := multipartUploadZip(t, zipBytes, map[string]string{
		"version":     "1.0.0",
		"entry_point": "main.py",
		"is_active":   "true",
	})

	req := httptest.NewRequest(http.MethodPost, "/apps/demo/upload-zip/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("upload-zip status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/apps/demo/check-update/?version=0.9.0", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("check-update status = %d, body = %s", rec2.Code, rec2.Body.String())
	}

	var info UpdateInfo
	if err := json.Unmarshal(rec2.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode UpdateInfo: %v", err)
	}

	if !info.NeedUpdate {
		t.Fatalf("expected need_update true for unknown client version")
	}

	if info.ActiveVersion != "1.0.0" {
		t.Fatalf("active_version = %q", info.ActiveVersion)
	}

	if len(info.Add) != 2 {
		t.Fatalf("expected 2 add entries (__MACOSX excluded), got %d: %+v", len(info.Add), info.Add)
	}

	if len(info.Keep) != 0 || len(info.Delete) != 0 {
		t.Fatalf("expected no keep/delete on fresh install, got keep=%d delete=%d", len(info.Keep), len(info.Delete))
	}
}

func TestCheckUpdateSameVersionNoUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	zipBytes := buildZip(t, map[string]string{"main.py": "print(1)"})
	contentType, body := multipartUploadZip(t, zipBytes, map[string]string{
		"version": "2.0.0", "entry_point": "main.py", "is_active": "true",
	})

	req := httptest.NewRequest(http.MethodPost, "/apps/demo/upload-zip/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("upload-zip status = %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/apps/demo/check-update/?version=2.0.0", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)

	var info UpdateInfo
	if err := json.Unmarshal(rec2.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if info.NeedUpdate {
		t.Fatalf("expected need_update false when client version equals active version")
	}
}

func TestCheckFiles(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	id, err := srv.Blobs.Put(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	reqBody, _ := json.Marshal(CheckFilesRequest{FileHashes: []string{string(id), strings.Repeat("0", 64)}})
	req := httptest.NewRequest(http.MethodPost, "/check-files/", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("check-files status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp CheckFilesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(resp.ExistingFiles) != 1 || resp.ExistingFiles[0] != string(id) {
		t.Fatalf("existing_files = %v", resp.ExistingFiles)
	}

	if len(resp.MissingFiles) != 1 {
		t.Fatalf("missing_files = %v", resp.MissingFiles)
	}
}

func TestFetchBlobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodGet, "/apps/demo/blobs/"+strings.Repeat("a", 64), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListAppsIsAvailableFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodGet, "/apps/?is_available=true", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var apps []AppRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &apps); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(apps) != 1 || apps[0].ID != "demo" {
		t.Fatalf("apps = %+v", apps)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	mux.ServeHTTP(httptest.NewRecorder(), req)

	mreq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	mux.ServeHTTP(mrec, mreq)

	if mrec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", mrec.Code)
	}

	if !strings.Contains(mrec.Body.String(), "fleetpack_requests_total") {
		t.Fatalf("metrics body missing counters: %s", mrec.Body.String())
	}
}
