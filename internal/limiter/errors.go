package limiter

import (
	"errors"
	"fmt"
	"time"

	"github.com/partsdesk/consoleguard/internal/storage"
)

// RateLimitError reports an exhausted quota. It is the only error Enforce
// produces on its own; callers answer it with 429 and a Retry-After header.
type RateLimitError struct {
	// Message is suitable for direct display to the caller.
	Message string
	// RetryAfterSeconds counts whole seconds until the current window closes.
	RetryAfterSeconds int64

	Key        string
	Identifier string
	Limit      int64
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// AsRateLimitError reports whether err is, or wraps, a *RateLimitError.
func AsRateLimitError(err error) (*RateLimitError, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}

// IsRateLimited reports whether err signals an exhausted quota.
func IsRateLimited(err error) bool {
	_, ok := AsRateLimitError(err)
	return ok
}

func newRateLimitError(cfg Config, b storage.Bucket, now time.Time) *RateLimitError {
	retryAfter := RetryAfterSeconds(now, cfg.window())

	return &RateLimitError{
		Message:           fmt.Sprintf("Too many requests. Please try again in %d seconds.", retryAfter),
		RetryAfterSeconds: retryAfter,
		Key:               b.Key,
		Identifier:        b.Identifier,
		Limit:             cfg.MaxRequests,
		ResetAt:           b.ExpiresAt,
	}
}
