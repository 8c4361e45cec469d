package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alecgard/agentpay/internal/ledger"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

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

// writeServiceError maps a service error onto the envelope. Internal errors
// are logged and never echoed to the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := ledger.StatusCode(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, status, "internal_error", "internal server error")
		return
	}
	writeError(w, status, ledger.Code(err), err.Error())
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// parseLimit reads the limit query parameter. Zero means the store default.
func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxPageSize {
		return 0, false
	}
	return n, true
}

// nonNil keeps empty pages encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
