// Package httputil provides shared HTTP response helpers for consoleguard.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/partsdesk/consoleguard/internal/limiter"
)

// WriteJSON encodes body as JSON and writes it with the given status code.
// Uses json.Marshal to produce compact JSON, followed by a newline.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(payload, '\n')); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteRateLimited answers an exhausted quota with 429 and a Retry-After header.
func WriteRateLimited(w http.ResponseWriter, rlErr *limiter.RateLimitError) {
	w.Header().Set("Retry-After", strconv.FormatInt(rlErr.RetryAfterSeconds, 10))
	WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":               rlErr.Message,
		"scope":               rlErr.Key,
		"limit":               rlErr.Limit,
		"retry_after_seconds": rlErr.RetryAfterSeconds,
		"reset_at":            rlErr.ResetAt.UTC(),
	})
}
