package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/alecgard/tollgate/internal/cache"
)

// Gateway-side error codes. Enforcement codes live in the enforce package.
const (
	codeMissingKey          = "missing_key"
	codeInvalidKey          = "invalid_key"
	codeInvalidAgent        = "invalid_agent"
	codeInvalidRequest      = "invalid_request"
	codeRequestTooLarge     = "request_too_large"
	codeMissingProviderKey  = "missing_provider_key"
	codeDecryptFailed       = "decrypt_failed"
	codeIdempotencyInFlight = "idempotency_in_progress"
	codeCacheUnavailable    = "cache_unavailable"
	codeInternal            = "internal_error"
	codeUpstream            = "upstream_error"
)

type proxyError struct {
	Error proxyErrorBody `json:"error"`
}

type proxyErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(proxyError{
		Error: proxyErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

// writeInfraError answers for a failure of the cache or the durable store.
// Enforcement cannot be skipped, so the request fails.
func writeInfraError(w http.ResponseWriter, op string, err error) string {
	if errors.Is(err, cache.ErrUnavailable) {
		slog.Error("cache unavailable", "op", op, "error", err)
		writeError(w, http.StatusServiceUnavailable, codeCacheUnavailable, "enforcement state is unavailable, retry later")
		return codeCacheUnavailable
	}
	slog.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	return codeInternal
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}
