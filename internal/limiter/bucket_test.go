package limiter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "API:Orders:IP", "api:orders:ip"},
		{"trims", "  user-1  ", "user-1"},
		{"replaces disallowed", "a.b/c d", "a_b_c_d"},
		{"ipv6", "2001:DB8::1", "2001:db8::1"},
		{"unicode rune becomes one underscore", "vendör", "vend_r"},
		{"empty", "", UnknownIdentifier},
		{"whitespace only", "   ", UnknownIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitizeTruncates(t *testing.T) {
	assert.Len(t, Sanitize(strings.Repeat("x", 500)), MaxPartLength)

	// Identifiers that only differ past the cap collide.
	a := Sanitize(strings.Repeat("a", MaxPartLength) + "-one")
	b := Sanitize(strings.Repeat("a", MaxPartLength) + "-two")
	assert.Equal(t, a, b)
}

func TestSanitizeCollisionIsIdempotent(t *testing.T) {
	first := Sanitize("Staff@Example.com")
	assert.Equal(t, first, Sanitize("staff#example!com"))
	assert.Equal(t, first, Sanitize(first), "sanitizing twice must not change the result")
}

func TestBucketIndex(t *testing.T) {
	window := time.Minute
	start := time.UnixMilli(1_700_000_040_000)

	assert.Equal(t, BucketIndex(start, window), BucketIndex(start.Add(59999*time.Millisecond), window),
		"timestamps within one window share a bucket")
	assert.Equal(t, BucketIndex(start, window)+1, BucketIndex(start.Add(window), window))
	assert.Equal(t, int64(-1), BucketIndex(time.UnixMilli(-1), window), "floor semantics before the epoch")
}

func TestBucketID(t *testing.T) {
	assert.Equal(t, "api:orders:ip:10_0_0_1:42", BucketID("api:orders:ip", "10_0_0_1", 42))
}

func TestRetryAfterSeconds(t *testing.T) {
	window := 30 * time.Second
	start := time.UnixMilli(1_700_000_010_000)

	tests := []struct {
		offset time.Duration
		want   int64
	}{
		{0, 30},
		{1 * time.Millisecond, 30},
		{10 * time.Second, 20},
		{29*time.Second + 1*time.Millisecond, 1},
		{29*time.Second + 999*time.Millisecond, 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryAfterSeconds(start.Add(tt.offset), window), "offset %v", tt.offset)
	}
}
