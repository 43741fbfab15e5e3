package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Overview summarizes traffic and rate-limit decisions over a time window.
type Overview struct {
	WindowSeconds     int64   `json:"window_seconds"`
	TotalRequests     int64   `json:"total_requests"`
	AllowedRequests   int64   `json:"allowed_requests"`
	BlockedRequests   int64   `json:"blocked_requests"`
	UniqueIdentifiers int64   `json:"unique_identifiers"`
	BlockRate         float64 `json:"block_rate"`
}

// TopBlocked is an identifier with one of the highest rejection counts.
type TopBlocked struct {
	ScopeKey     string `json:"scope"`
	Identifier   string `json:"identifier"`
	BlockedCount int64  `json:"blocked_count"`
}

// ScopeStats summarizes behavior for a single scope over a time window.
type ScopeStats struct {
	ScopeKey             string  `json:"scope"`
	WindowSeconds        int64   `json:"window_seconds"`
	TotalRequests        int64   `json:"total_requests"`
	AllowedRequests      int64   `json:"allowed_requests"`
	BlockedRequests      int64   `json:"blocked_requests"`
	BlockRate            float64 `json:"block_rate"`
	AvgResponseMS        float64 `json:"avg_response_ms"`
	AvgRetryAfterSeconds float64 `json:"avg_retry_after_seconds"`
}

// TimelinePoint is a single bucket in an analytics timeline series.
type TimelinePoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Allowed     int64     `json:"allowed"`
	Blocked     int64     `json:"blocked"`
	Total       int64     `json:"total"`
}

// ErrInvalidQuery is returned for a non-positive window, bucket or limit, or
// a missing scope.
var ErrInvalidQuery = errors.New("analytics: invalid query")

// tallyColumns counts total, allowed and blocked decisions.
const tallyColumns = `
	COUNT(*),
	COUNT(*) FILTER (WHERE allowed),
	COUNT(*) FILTER (WHERE NOT allowed)`

// QueryService answers the stats API from rate_limit_events.
type QueryService struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueryService returns a QueryService over db.
func NewQueryService(db *sql.DB) (*QueryService, error) {
	if db == nil {
		return nil, errors.New("analytics: query service requires a database")
	}
	return &QueryService{db: db, now: time.Now}, nil
}

// since validates window and returns its start.
func (s *QueryService) since(window time.Duration) (time.Time, error) {
	if window <= 0 {
		return time.Time{}, fmt.Errorf("%w: window must be positive", ErrInvalidQuery)
	}
	return s.now().Add(-window), nil
}

// GetOverview totals every decision made within window.
func (s *QueryService) GetOverview(ctx context.Context, window time.Duration) (Overview, error) {
	since, err := s.since(window)
	if err != nil {
		return Overview{}, err
	}

	out := Overview{WindowSeconds: int64(window / time.Second)}
	row := s.db.QueryRowContext(ctx,
		`SELECT`+tallyColumns+`, COUNT(DISTINCT identifier)
		FROM rate_limit_events WHERE timestamp >= $1`, since)
	if err := row.Scan(&out.TotalRequests, &out.AllowedRequests, &out.BlockedRequests, &out.UniqueIdentifiers); err != nil {
		return Overview{}, fmt.Errorf("analytics: overview: %w", err)
	}
	out.BlockRate = blockRate(out.BlockedRequests, out.TotalRequests)
	return out, nil
}

// GetTopBlocked lists the (scope, identifier) pairs rejected most often.
// Only 429 decisions count; store failures are not rejections.
func (s *QueryService) GetTopBlocked(ctx context.Context, window time.Duration, limit int) ([]TopBlocked, error) {
	since, err := s.since(window)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key, identifier, COUNT(*) AS n
		FROM rate_limit_events
		WHERE NOT allowed AND status = 429 AND timestamp >= $1
		GROUP BY scope_key, identifier
		ORDER BY n DESC, scope_key, identifier
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: top blocked: %w", err)
	}

	return collect(rows, "top blocked", func(r *sql.Rows) (TopBlocked, error) {
		var t TopBlocked
		err := r.Scan(&t.ScopeKey, &t.Identifier, &t.BlockedCount)
		return t, err
	})
}

// GetScopeStats summarizes one scope within window.
func (s *QueryService) GetScopeStats(ctx context.Context, scopeKey string, window time.Duration) (ScopeStats, error) {
	if scopeKey == "" {
		return ScopeStats{}, fmt.Errorf("%w: scope is required", ErrInvalidQuery)
	}
	since, err := s.since(window)
	if err != nil {
		return ScopeStats{}, err
	}

	out := ScopeStats{ScopeKey: scopeKey, WindowSeconds: int64(window / time.Second)}
	row := s.db.QueryRowContext(ctx,
		`SELECT`+tallyColumns+`,
			COALESCE(AVG(response_ms), 0),
			COALESCE(AVG(retry_after_seconds) FILTER (WHERE NOT allowed), 0)
		FROM rate_limit_events WHERE scope_key = $1 AND timestamp >= $2`, scopeKey, since)
	err = row.Scan(&out.TotalRequests, &out.AllowedRequests, &out.BlockedRequests,
		&out.AvgResponseMS, &out.AvgRetryAfterSeconds)
	if err != nil {
		return ScopeStats{}, fmt.Errorf("analytics: scope %q: %w", scopeKey, err)
	}
	out.BlockRate = blockRate(out.BlockedRequests, out.TotalRequests)
	return out, nil
}

// GetTimeline buckets decisions into bucket-sized slots over window, oldest
// first. Empty slots are omitted. A non-empty scopeKey narrows the series.
func (s *QueryService) GetTimeline(ctx context.Context, window, bucket time.Duration, scopeKey string) ([]TimelinePoint, error) {
	since, err := s.since(window)
	if err != nil {
		return nil, err
	}
	if bucket < time.Second {
		return nil, fmt.Errorf("%w: bucket must be at least one second", ErrInvalidQuery)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_timestamp(FLOOR(EXTRACT(EPOCH FROM timestamp) / $1) * $1) AS slot,
			COUNT(*) FILTER (WHERE allowed),
			COUNT(*) FILTER (WHERE NOT allowed)
		FROM rate_limit_events
		WHERE timestamp >= $2 AND ($3 = '' OR scope_key = $3)
		GROUP BY slot
		ORDER BY slot`, int64(bucket/time.Second), since, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("analytics: timeline: %w", err)
	}

	return collect(rows, "timeline", func(r *sql.Rows) (TimelinePoint, error) {
		var p TimelinePoint
		if err := r.Scan(&p.BucketStart, &p.Allowed, &p.Blocked); err != nil {
			return p, err
		}
		p.BucketStart = p.BucketStart.UTC()
		p.Total = p.Allowed + p.Blocked
		return p, nil
	})
}

// collect scans every row with scan and closes rows. The result is never nil
// so it encodes as an empty JSON array.
func collect[T any](rows *sql.Rows, what string, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("analytics: scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics: read %s: %w", what, err)
	}
	return out, nil
}

func blockRate(blocked, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(blocked) / float64(total)
}
