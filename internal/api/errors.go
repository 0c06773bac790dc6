package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecgard/billgate/internal/bill"
)

// maxBodySize is the maximum allowed JSON request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit. An empty
// body leaves v untouched.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	err := json.NewDecoder(lr).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeServiceError maps billing errors onto HTTP statuses. Unexpected errors
// are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bill.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Bill not found")
	case errors.Is(err, bill.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Daily query limit exceeded")
	case errors.Is(err, bill.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", strings.TrimPrefix(err.Error(), bill.ErrInvalidArgument.Error()+": "))
	case errors.Is(err, bill.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "bill was modified concurrently, retry the request")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	case errors.Is(err, bill.ErrUpstream):
		slog.Error("upstream failure", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "upstream_failure", "assistant is unavailable")
	default:
		slog.Error("request failed", "request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
