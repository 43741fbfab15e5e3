package limiter

import (
	"strconv"
	"strings"
	"time"
)

const (
	// MaxPartLength caps sanitized keys and identifiers.
	MaxPartLength = 120

	// UnknownIdentifier replaces identifiers that sanitize to nothing.
	UnknownIdentifier = "unknown"
)

// Sanitize lowercases and trims s, replaces every rune outside [a-z0-9:_-]
// with '_' and truncates the result to MaxPartLength. Distinct inputs can
// map to the same output ("User@1" and "user#1" both become "user_1"); such
// callers share a counter.
func Sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return UnknownIdentifier
	}

	var sb strings.Builder
	sb.Grow(min(len(s), MaxPartLength))

	n := 0
	for _, r := range s {
		if n == MaxPartLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
		n++
	}

	return sb.String()
}

// BucketIndex returns the fixed-window index floor(now_ms / window_ms).
func BucketIndex(now time.Time, window time.Duration) int64 {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return 0
	}

	nowMs := now.UnixMilli()
	index := nowMs / windowMs
	if nowMs < 0 && nowMs%windowMs != 0 {
		index--
	}
	return index
}

// BucketID joins the sanitized parts into the record id "key:identifier:bucket".
func BucketID(key, identifier string, index int64) string {
	return key + ":" + identifier + ":" + strconv.FormatInt(index, 10)
}

// RetryAfterSeconds is the number of whole seconds until the window that
// contains now closes, never less than 1.
func RetryAfterSeconds(now time.Time, window time.Duration) int64 {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return 1
	}

	windowEnd := (BucketIndex(now, window) + 1) * windowMs
	remainingMs := windowEnd - now.UnixMilli()

	secs := (remainingMs + 999) / 1000
	if secs < 1 {
		return 1
	}
	return secs
}
