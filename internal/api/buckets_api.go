package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/partsdesk/consoleguard/internal/httputil"
	"github.com/partsdesk/consoleguard/internal/limiter"
	"github.com/partsdesk/consoleguard/internal/storage"
)

// BucketInspector reads and resets the current window of a bucket.
type BucketInspector interface {
	Peek(ctx context.Context, cfg limiter.Config) (storage.Bucket, error)
	Reset(ctx context.Context, cfg limiter.Config) error
}

// BucketsHandler lets operators inspect and reset live counters.
//
//	GET    /api/buckets?scope=&identifier=&window_seconds=
//	DELETE /api/buckets?scope=&identifier=&window_seconds=
type BucketsHandler struct {
	inspector BucketInspector
	now       func() time.Time
}

// NewBucketsHandler creates a bucket inspection handler.
func NewBucketsHandler(inspector BucketInspector) *BucketsHandler {
	return &BucketsHandler{inspector: inspector, now: time.Now}
}

type bucketView struct {
	ID                string    `json:"id"`
	Scope             string    `json:"scope"`
	Identifier        string    `json:"identifier"`
	Bucket            int64     `json:"bucket"`
	Count             int64     `json:"count"`
	WindowStart       time.Time `json:"window_start"`
	ExpiresAt         time.Time `json:"expires_at"`
	RetryAfterSeconds int64     `json:"retry_after_seconds"`
}

// ServeHTTP implements http.Handler.
func (h *BucketsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/buckets" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		w.Header().Set("Allow", "GET, DELETE")
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cfg, err := bucketQuery(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.Method == http.MethodDelete {
		if err := h.inspector.Reset(r.Context(), cfg); err != nil {
			slog.Error("api: reset bucket", "scope", cfg.Key, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to reset bucket")
			return
		}
		slog.Info("api: bucket reset", "scope", limiter.Sanitize(cfg.Key), "identifier", limiter.Sanitize(cfg.Identifier))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	b, err := h.inspector.Peek(r.Context(), cfg)
	if err != nil {
		slog.Error("api: peek bucket", "scope", cfg.Key, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to read bucket")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": bucketView{
		ID:                b.ID,
		Scope:             b.Key,
		Identifier:        b.Identifier,
		Bucket:            b.Index,
		Count:             b.Count,
		WindowStart:       b.WindowStart.UTC(),
		ExpiresAt:         b.ExpiresAt.UTC(),
		RetryAfterSeconds: limiter.RetryAfterSeconds(h.now(), time.Duration(cfg.WindowSeconds)*time.Second),
	}})
}

func bucketQuery(r *http.Request) (limiter.Config, error) {
	q := r.URL.Query()

	scope := strings.TrimSpace(q.Get("scope"))
	if scope == "" {
		return limiter.Config{}, errors.New("scope is required")
	}

	windowRaw := strings.TrimSpace(q.Get("window_seconds"))
	if windowRaw == "" {
		return limiter.Config{}, errors.New("window_seconds is required")
	}
	window, err := strconv.ParseInt(windowRaw, 10, 64)
	if err != nil || window <= 0 {
		return limiter.Config{}, errors.New("window_seconds must be a positive integer")
	}

	return limiter.Config{
		Key:           scope,
		Identifier:    q.Get("identifier"),
		WindowSeconds: window,
	}, nil
}
