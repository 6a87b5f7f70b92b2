package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/catalog"
)

// apiError pairs a message with the HTTP status it maps to, per the error
// kind table: Validation/400, NotFound/404.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(msg string) *apiError { return &apiError{status: http.StatusBadRequest, msg: msg} }
func notFound(msg string) *apiError   { return &apiError{status: http.StatusNotFound, msg: msg} }

// writeAPIError maps err to a status code and writes {"error": "..."}, the
// same response shape the original handle_exception produced for every
// ValueError.
func writeAPIError(w http.ResponseWriter, err error) {
	var ae *apiError

	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.As(err, &ae):
		status, msg = ae.status, ae.msg
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, catalog.ErrNoActiveVersion),
		errors.Is(err, blobstore.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, catalog.ErrVersionExists), errors.Is(err, catalog.ErrAppExists):
		status, msg = http.StatusBadRequest, err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}
