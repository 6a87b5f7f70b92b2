// Package httpapi wires the Version Registry, Packaging Service, and Plan
// Service behind the HTTP API described under /apps/{app_id}/, following
// the middleware and handler-construction conventions the module already
// uses for its registry HTTP server: rate limiting, bearer auth, gzip,
// ETag caching, panic recovery, and a Prometheus-text /metrics endpoint.
package httpapi

import (
	"github.com/fleetpack/fleetpack/internal/planner"
)

// UpdateInfo is the response body of check-update, matching the wire shape
// fixed by the external interface section verbatim.
type UpdateInfo struct {
	NeedUpdate     bool               `json:"need_update"`
	CurrentVersion *string            `json:"current_version"`
	ActiveVersion  string             `json:"active_version"`
	EntryPoint     string             `json:"entry_point"`
	Changelog      string             `json:"changelog"`
	Add            []planner.FileInfo `json:"add"`
	Keep           []planner.FileInfo `json:"keep"`
	Delete         []planner.FileInfo `json:"delete"`
}

// AppRecord is the public shape of an Application.
type AppRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UploadResult is the response of upload-zip and create-version.
type UploadResult struct {
	Message  string `json:"message"`
	Version  string `json:"version"`
	IsActive bool   `json:"is_active"`
}

// CheckFilesRequest is the request body of POST /check-files/.
type CheckFilesRequest struct {
	FileHashes []string `json:"file_hashes"`
}

// CheckFilesResponse is the response body of POST /check-files/.
type CheckFilesResponse struct {
	ExistingFiles []string `json:"existing_files"`
	MissingFiles  []string `json:"missing_files"`
}
