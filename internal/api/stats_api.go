package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/partsdesk/consoleguard/internal/analytics"
	"github.com/partsdesk/consoleguard/internal/httputil"
	"github.com/partsdesk/consoleguard/internal/limiter"
)

const (
	defaultStatsWindow = 24 * time.Hour
	maxStatsWindow     = 90 * 24 * time.Hour
	defaultTopLimit    = 10
	maxTopLimit        = 100
	defaultStatsBucket = 5 * time.Minute
	minStatsBucket     = time.Minute
	maxStatsBucket     = 24 * time.Hour
)

// StatsProvider exposes analytics read models required by the stats API.
type StatsProvider interface {
	GetOverview(ctx context.Context, window time.Duration) (analytics.Overview, error)
	GetTopBlocked(ctx context.Context, window time.Duration, limit int) ([]analytics.TopBlocked, error)
	GetScopeStats(ctx context.Context, scopeKey string, window time.Duration) (analytics.ScopeStats, error)
	GetTimeline(ctx context.Context, window, bucket time.Duration, scopeKey string) ([]analytics.TimelinePoint, error)
}

// StatsHandler serves read-only analytics over the decision log:
//
//	GET /api/stats/overview?window=
//	GET /api/stats/top-blocked?window=&limit=
//	GET /api/stats/scopes/{scope}?window=
//	GET /api/stats/timeline?window=&bucket=&scope=
//
// Durations accept Go syntax plus a day suffix ("7d").
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler creates a stats handler. A nil provider answers 503.
func NewStatsHandler(provider StatsProvider) *StatsHandler {
	return &StatsHandler{provider: provider}
}

type statsQuery struct {
	window time.Duration
	limit  int
	bucket time.Duration
	scope  string
}

var errUnknownStatsRoute = errors.New("unknown stats route")

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, scope, ok := statsRoute(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.provider == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "analytics service unavailable")
		return
	}

	q, err := parseStatsQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if scope != "" {
		q.scope = scope
	}

	data, err := h.query(r.Context(), route, q)
	if err != nil {
		slog.Error("api: stats query failed", "route", route, "scope", q.scope, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch "+route+" stats")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (h *StatsHandler) query(ctx context.Context, route string, q statsQuery) (any, error) {
	switch route {
	case "overview":
		return h.provider.GetOverview(ctx, q.window)
	case "top-blocked":
		return h.provider.GetTopBlocked(ctx, q.window, q.limit)
	case "scopes":
		return h.provider.GetScopeStats(ctx, q.scope, q.window)
	case "timeline":
		return h.provider.GetTimeline(ctx, q.window, q.bucket, q.scope)
	default:
		return nil, errUnknownStatsRoute
	}
}

// statsRoute splits /api/stats/<route>[/<scope>]. Only the scopes route
// takes a path scope, which is sanitized like a limiter key.
func statsRoute(path string) (route, scope string, ok bool) {
	rest, found := strings.CutPrefix(path, "/api/stats/")
	if !found || rest == "" {
		return "", "", false
	}

	route, scope, hasScope := strings.Cut(rest, "/")
	switch route {
	case "overview", "top-blocked", "timeline":
		return route, "", !hasScope
	case "scopes":
		if scope == "" || strings.Contains(scope, "/") {
			return "", "", false
		}
		return route, limiter.Sanitize(scope), true
	default:
		return "", "", false
	}
}

func parseStatsQuery(values url.Values) (statsQuery, error) {
	q := statsQuery{
		window: defaultStatsWindow,
		limit:  defaultTopLimit,
		bucket: defaultStatsBucket,
	}

	if raw := strings.TrimSpace(values.Get("window")); raw != "" {
		d, err := parseFlexibleDuration(raw)
		if err != nil || d <= 0 {
			return q, errors.New("window must be a positive duration (for example: 15m, 1h, 7d)")
		}
		q.window = min(d, maxStatsWindow)
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		q.limit = min(n, maxTopLimit)
	}

	if raw := strings.TrimSpace(values.Get("bucket")); raw != "" {
		d, err := parseFlexibleDuration(raw)
		if err != nil || d < minStatsBucket || d > maxStatsBucket {
			return q, errors.New("bucket must be between 1m and 24h")
		}
		q.bucket = d
	}

	if raw := strings.TrimSpace(values.Get("scope")); raw != "" {
		q.scope = limiter.Sanitize(raw)
	}

	return q, nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}
