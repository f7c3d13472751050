package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/cache"
)

// maxBodySize is the maximum allowed admin request body size (64 KB).
const maxBodySize = 64 << 10

// errorEnvelope is the standard error response shape, shared with the proxy.
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
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeStoreError maps store and cache failures onto the envelope.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, cache.ErrUnavailable):
		slog.Error("cache unavailable", "op", op, "error", err)
		writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "cache unavailable, retry later")
	default:
		slog.Error("admin operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
