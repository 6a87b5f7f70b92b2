package httpapi

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/catalog"
	"github.com/fleetpack/fleetpack/internal/packaging"
	"github.com/fleetpack/fleetpack/internal/planner"
	"github.com/fleetpack/fleetpack/internal/secutil"
	"github.com/fleetpack/fleetpack/internal/timex"
)

// Server wires C1 (blob store) and C2 (version registry) behind the HTTP
// API of §6, implementing the packaging (C3) and plan (C4) services as
// request handlers over them.
type Server struct {
	Blobs   blobstore.Store
	Catalog catalog.Registry

	metrics   *metricsRecorder
	validator *secutil.InputValidator
}

// NewServer constructs a Server ready to be handed to Mux.
func NewServer(blobs blobstore.Store, reg catalog.Registry) *Server {
	return &Server{
		Blobs:     blobs,
		Catalog:   reg,
		metrics:   newMetricsRecorder(),
		validator: secutil.NewInputValidator(),
	}
}

// Mux builds the complete http.ServeMux for this server. Security headers,
// CORS, panic recovery and metrics wrap every handler; rate limiting and
// bearer auth guard only /check-files/ and /apps/ (not /healthz or
// /metrics); gzip applies only to blob fetches. This is the same
// composition the registry's buildHTTPMux used.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	cors := getCORS()
	rl := getRateLimiter()
	token := httpTokenEnv()
	mode := strings.TrimSpace(os.Getenv("FLEETPACK_REGISTRY_AUTH_MODE")) // "" | "writeonly" | "readwrite"

	authOK := func(r *http.Request) bool {
		if token == "" {
			return true
		}

		h := r.Header.Get("Authorization")
		const prefix = "Bearer "

		if !strings.HasPrefix(h, prefix) {
			return false
		}

		ok := secutil.SecureCompare(strings.TrimPrefix(h, prefix), token)
		secutil.Global.LogAuthenticationAttempt(ok, r.UserAgent(), r.RemoteAddr, map[string]interface{}{"path": r.URL.Path})

		return ok
	}

	guard := func(write bool, r *http.Request) (int, string, bool) {
		if rl != nil && !rl.Allow(1) {
			atomic.AddUint64(&s.metrics.rlDrops, 1)
			secutil.Global.LogRateLimitExceeded(r.URL.Path, r.RemoteAddr, 1)

			return http.StatusTooManyRequests, "too many requests", false
		}

		needsAuth := write || mode == "readwrite"
		if token != "" && needsAuth && !authOK(r) {
			return http.StatusUnauthorized, "unauthorized", false
		}

		return 0, "", true
	}

	mux.HandleFunc("/healthz", s.metrics.wrap("healthz", cors, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/metrics", s.metrics.wrap("metrics", cors, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		s.metrics.serveMetrics(w, r)
	}))

	mux.HandleFunc("/check-files/", s.metrics.wrap("check-files", cors, func(w http.ResponseWriter, r *http.Request) {
		if code, msg, ok := guard(false, r); !ok {
			http.Error(w, msg, code)

			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		s.handleCheckFiles(w, r)
	}))

	mux.HandleFunc("/apps/", s.metrics.wrap("apps", cors, func(w http.ResponseWriter, r *http.Request) {
		write := r.Method == http.MethodPost
		if code, msg, ok := guard(write, r); !ok {
			http.Error(w, msg, code)

			return
		}

		s.routeApps(w, r)
	}))

	return mux
}

// routeApps dispatches every request under /apps/ by trimming the known
// suffixes, the same manual-parsing style the registry server used for
// its flat endpoint set rather than a pattern-matching router.
func (s *Server) routeApps(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/apps/")
	rest = strings.TrimSuffix(rest, "/")

	if rest == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		s.handleListApps(w, r)

		return
	}

	segments := strings.SplitN(rest, "/", 2)
	appID := segments[0]

	if err := s.validator.ValidateAppID(appID); err != nil {
		secutil.Global.LogInputValidationFailure("app_id", err.Error(), appID)
		writeAPIError(w, badRequest("invalid app_id"))

		return
	}

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		s.handleGetApp(w, r, appID)

		return
	}

	switch segments[1] {
	case "check-update":
		s.handleCheckUpdate(w, r, appID)
	case "upload-zip":
		s.handleUploadZip(w, r, appID)
	case "upload-file":
		s.handleUploadFile(w, r, appID)
	case "create-version":
		s.handleCreateVersion(w, r, appID)
	default:
		if strings.HasPrefix(segments[1], "blobs/") {
			s.handleFetchBlob(w, r, appID, strings.TrimPrefix(segments[1], "blobs/"))

			return
		}

		http.NotFound(w, r)
	}
}

// handleListApps implements GET /apps/, honoring the is_available query
// filter against invariant A1's enable/disable window.
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.Catalog.ListApps(r.Context())
	if err != nil {
		log.Printf("list apps: %v", err)
		writeAPIError(w, err)

		return
	}

	var filter *bool

	if raw := r.URL.Query().Get("is_available"); raw != "" {
		want := raw == "true" || raw == "1"
		filter = &want
	}

	now := time.Now()
	out := make([]AppRecord, 0, len(apps))

	for _, a := range apps {
		if filter != nil && a.IsAvailable(now) != *filter {
			continue
		}

		out = append(out, AppRecord{ID: string(a.ID), Name: a.Name})
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request, appID string) {
	app, err := s.Catalog.GetApp(r.Context(), catalog.AppID(appID))
	if err != nil {
		writeAPIError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, AppRecord{ID: string(app.ID), Name: app.Name})
}

// handleCheckUpdate implements the Plan Service (C4) contract: it loads
// the active version, resolves the client's local manifest (empty if its
// reported version is unknown or absent), computes the add/keep/delete
// diff, and decides need_update by plain string inequality — the resolved
// Open Question (i).
func (s *Server) handleCheckUpdate(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	clientVersion := r.URL.Query().Get("version")

	active, err := s.Catalog.GetActiveVersion(r.Context(), catalog.AppID(appID))
	if err != nil {
		writeAPIError(w, err)

		return
	}

	localManifest := planner.Manifest{}

	if clientVersion != "" {
		if v, err := s.Catalog.GetVersion(r.Context(), catalog.AppID(appID), clientVersion); err == nil {
			localManifest = withURLs(appID, v.Manifest)
		}
	}

	targetManifest := withURLs(appID, active.Manifest)
	plan := planner.Compute(localManifest, targetManifest)

	var currentVersion *string
	if clientVersion != "" {
		currentVersion = &clientVersion
	}

	writeJSON(w, http.StatusOK, UpdateInfo{
		NeedUpdate:     clientVersion != active.Version,
		CurrentVersion: currentVersion,
		ActiveVersion:  active.Version,
		EntryPoint:     active.EntryPoint,
		Changelog:      active.Changelog,
		Add:            plan.Add,
		Keep:           plan.Keep,
		Delete:         plan.Delete,
	})
}

// withURLs stamps the relative download URL onto every manifest entry; C5
// resolves it against the server's base URL to GET the blob via C1.
func withURLs(appID string, m planner.Manifest) planner.Manifest {
	out := make(planner.Manifest, len(m))

	for p, info := range m {
		info.URL = "/apps/" + appID + "/blobs/" + info.Hash
		out[p] = info
	}

	return out
}

// handleUploadZip implements the whole-archive ingestion mode of the
// Packaging Service (C3): validate the ZIP, hash and store every
// non-directory, non-__MACOSX entry into C1, build the manifest, and
// create the Version in C2 in one call so the operation is all-or-nothing
// from the Version's point of view.
func (s *Server) handleUploadZip(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	maxBytes := getMaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeAPIError(w, badRequest("malformed multipart body"))

		return
	}

	version := r.FormValue("version")
	entryPoint := r.FormValue("entry_point")
	changelog := r.FormValue("changelog")
	isActive := r.FormValue("is_active") == "true"

	if err := s.validator.ValidateVersion(version); err != nil {
		writeAPIError(w, badRequest("invalid version"))

		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, badRequest("missing file"))

		return
	}

	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		writeAPIError(w, badRequest("file must be a .zip archive"))

		return
	}

	archiveBytes, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, badRequest("failed reading archive"))

		return
	}

	manifest, err := packaging.IngestZip(r.Context(), s.Blobs, archiveBytes)
	if err != nil {
		writeAPIError(w, packagingError(err))

		return
	}

	if err := s.Catalog.CreateVersion(r.Context(), catalog.Version{
		AppID:      catalog.AppID(appID),
		Version:    version,
		EntryPoint: entryPoint,
		Changelog:  changelog,
		Manifest:   manifest,
	}, isActive); err != nil {
		writeAPIError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, UploadResult{Message: "version created", Version: version, IsActive: isActive})
}

// packagingError maps a packaging package sentinel to the 400-class
// apiError the client sees; anything else passes through for
// writeAPIError's generic 500 handling.
func packagingError(err error) error {
	switch {
	case errors.Is(err, packaging.ErrUnsafePath), errors.Is(err, packaging.ErrBadArchive), errors.Is(err, packaging.ErrMissingBlob):
		return badRequest(err.Error())
	default:
		return err
	}
}

// handleUploadFile implements the streamed mode's first step: store one
// file and return its blob id.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, getMaxUploadBytes())

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeAPIError(w, badRequest("malformed multipart body"))

		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, badRequest("missing file"))

		return
	}

	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, badRequest("failed reading file"))

		return
	}

	id, err := s.Blobs.Put(r.Context(), data)
	if err != nil {
		log.Printf("upload-file store: %v", err)
		writeAPIError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}{ID: string(id), URL: "/apps/" + appID + "/blobs/" + string(id)})
}

// handleCreateVersion implements the streamed mode's second step: the
// client has already uploaded every file; it now posts the manifest and
// this handler verifies every referenced blob exists before creating the
// Version (MissingBlob otherwise).
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	if err := r.ParseForm(); err != nil {
		writeAPIError(w, badRequest("malformed form body"))

		return
	}

	version := r.FormValue("version")
	entryPoint := r.FormValue("entry_point")
	changelog := r.FormValue("changelog")
	isActive := r.FormValue("is_active") == "true"

	if err := s.validator.ValidateVersion(version); err != nil {
		writeAPIError(w, badRequest("invalid version"))

		return
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(r.FormValue("file_manifest")), &raw); err != nil {
		writeAPIError(w, badRequest("file_manifest must be a JSON object of path to hash"))

		return
	}

	manifest, err := packaging.ManifestFromHashes(r.Context(), s.Blobs, raw)
	if err != nil {
		writeAPIError(w, packagingError(err))

		return
	}

	if err := s.Catalog.CreateVersion(r.Context(), catalog.Version{
		AppID:      catalog.AppID(appID),
		Version:    version,
		EntryPoint: entryPoint,
		Changelog:  changelog,
		Manifest:   manifest,
	}, isActive); err != nil {
		writeAPIError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, UploadResult{Message: "version created", Version: version, IsActive: isActive})
}

func (s *Server) handleCheckFiles(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeAPIError(w, badRequest("failed reading request body"))

		return
	}

	if err := s.validator.ValidateJSON(body); err != nil {
		writeAPIError(w, badRequest("invalid request body"))

		return
	}

	var req CheckFilesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, badRequest("malformed JSON"))

		return
	}

	resp := CheckFilesResponse{ExistingFiles: []string{}, MissingFiles: []string{}}

	for _, h := range req.FileHashes {
		has, err := s.Blobs.Has(r.Context(), blobstore.BlobID(h))
		if err != nil {
			log.Printf("check-files: %v", err)
			writeAPIError(w, err)

			return
		}

		if has {
			resp.ExistingFiles = append(resp.ExistingFiles, h)
		} else {
			resp.MissingFiles = append(resp.MissingFiles, h)
		}
	}

	sort.Strings(resp.ExistingFiles)
	sort.Strings(resp.MissingFiles)

	writeJSON(w, http.StatusOK, resp)
}

// handleFetchBlob streams a stored blob by content address; appID is
// accepted for URL symmetry with the rest of the API but blob identity is
// global, so it is not otherwise consulted.
func (s *Server) handleFetchBlob(w http.ResponseWriter, r *http.Request, _ string, hash string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	if err := s.validator.ValidateBlobID(hash); err != nil {
		writeAPIError(w, badRequest("invalid blob id"))

		return
	}

	data, err := s.Blobs.Get(r.Context(), blobstore.BlobID(hash))
	if err != nil {
		writeAPIError(w, err)

		return
	}

	sum := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)

		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")

	out := w
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(data)

		return
	}

	_, _ = out.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpTokenEnv() string { return os.Getenv("FLEETPACK_REGISTRY_TOKEN") }

func getMaxUploadBytes() int64 {
	const def = int64(50 * 1024 * 1024)

	v := strings.TrimSpace(os.Getenv("FLEETPACK_REGISTRY_MAX_UPLOAD_BYTES"))
	if v == "" {
		return def
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}

	return n
}

func getRateLimiter() *timex.TokenBucket {
	qpsStr := strings.TrimSpace(os.Getenv("FLEETPACK_REGISTRY_RATE_QPS"))
	if qpsStr == "" {
		return nil
	}

	qps, err := strconv.ParseFloat(qpsStr, 64)
	if err != nil || qps <= 0 {
		return nil
	}

	burst := 1

	if b := strings.TrimSpace(os.Getenv("FLEETPACK_REGISTRY_RATE_BURST")); b != "" {
		if n, err := strconv.Atoi(b); err == nil && n >= 0 {
			burst = n
		}
	}

	return timex.NewTokenBucket(burst, qps)
}

// StartServer serves s over HTTP. Blocking.
func StartServer(addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    16 << 10,
	}

	return srv.ListenAndServe()
}

// StartServerGraceful starts s and shuts it down gracefully when ctx is
// done.
func StartServerGraceful(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    16 << 10,
	}

	errCh := make(chan error, 1)

	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutCtx)

		return nil
	case err := <-errCh:
		return err
	}
}
