package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrBadRequest indicates a request path that cannot be normalized.
	ErrBadRequest = errors.New("malformed request path")
	// ErrForbidden indicates a request path that escapes the root directory.
	ErrForbidden = errors.New("path escapes root directory")
	// ErrNotFound indicates a request path with nothing servable behind it.
	ErrNotFound = errors.New("asset not found")
	// ErrMethodNotAllowed indicates a method other than GET or HEAD.
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusCode maps an error to the HTTP status reported to the client. Errors
// outside the request taxonomy are internal errors.
func StatusCode(err error) int {
	switch errors.Cause(err) {
	case nil:
		return http.StatusOK
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// errorCodes are the machine readable identifiers used in ErrorResponse.
var errorCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusMethodNotAllowed:    "method_not_allowed",
	http.StatusTooManyRequests:     "rate_limit_exceeded",
	http.StatusInternalServerError: "internal_server_error",
}

// writeError writes a JSON error response. Internal error details are not
// exposed to the client.
func writeError(w http.ResponseWriter, status int, message string) {
	code, ok := errorCodes[status]
	if !ok {
		code = "error"
	}
	if status == http.StatusInternalServerError {
		message = "An unexpected error occurred"
	}

	header := w.Header()
	header.Del("Content-Length")
	header.Del("Last-Modified")
	header.Del("ETag")
	header.Set("Content-Type", "application/json")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}
