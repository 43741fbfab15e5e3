// Package limiter provides the fixed-window rate limiter that guards
// privileged console routes. Counters live in a shared storage.BucketStore,
// so every gateway instance enforces the same quota.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/partsdesk/consoleguard/internal/storage"
)

// BucketStore defines storage capabilities required by the limiter.
type BucketStore interface {
	IncrementBucket(ctx context.Context, b storage.Bucket, max int64) (storage.Bucket, bool, error)
	GetBucket(ctx context.Context, id string) (storage.Bucket, error)
	DeleteBucket(ctx context.Context, id string) error
}

// MaxWindowSeconds is the longest window whose length still fits in a
// time.Duration.
const MaxWindowSeconds = math.MaxInt64 / int64(time.Second)

// Config describes one quota check.
type Config struct {
	// Key is the scope name, e.g. "api:dashboard_overview:ip". Independent
	// quotas for the same endpoint use different keys.
	Key string
	// Identifier is the caller identity within the scope (client IP or user id).
	// Empty identifiers are counted under UnknownIdentifier.
	Identifier string
	// WindowSeconds is the fixed window length.
	WindowSeconds int64
	// MaxRequests is the number of requests admitted per window.
	MaxRequests int64
}

func (c Config) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c Config) validate() error {
	if err := c.validateBucket(); err != nil {
		return err
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("limiter: max requests must be greater than 0")
	}
	return nil
}

// validateBucket checks the fields that locate a bucket. Peek and Reset do
// not need MaxRequests.
func (c Config) validateBucket() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("limiter: key is required")
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("limiter: window must be greater than 0")
	}
	if c.WindowSeconds > MaxWindowSeconds {
		return fmt.Errorf("limiter: window must be at most %d seconds", MaxWindowSeconds)
	}
	return nil
}

// Result describes the bucket state after an admitted request.
type Result struct {
	Bucket    storage.Bucket
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter is a fixed-window rate limiter backed by a BucketStore. It keeps
// no state of its own and is safe for concurrent use.
type Limiter struct {
	store BucketStore
	now   func() time.Time
}

// Option configures optional Limiter behavior.
type Option func(*Limiter)

// WithClock overrides the time source. Tests use it to move across window
// boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter over store.
func New(store BucketStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("limiter: store is required")
	}

	l := &Limiter{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Enforce admits or rejects one request. It returns nil when the request was
// counted, a *RateLimitError when the window quota is exhausted, and any
// other error unchanged (wrapped) when the store fails.
func (l *Limiter) Enforce(ctx context.Context, cfg Config) error {
	_, err := l.Check(ctx, cfg)
	return err
}

// Check is Enforce that also reports the bucket state for response headers.
func (l *Limiter) Check(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}

	now := l.now()
	b := newBucket(cfg, now)

	stored, admitted, err := l.store.IncrementBucket(ctx, b, cfg.MaxRequests)
	if err != nil {
		return Result{}, fmt.Errorf("limiter: check %q: %w", b.ID, err)
	}

	if !admitted {
		return Result{}, newRateLimitError(cfg, b, now)
	}

	return Result{
		Bucket:    stored,
		Limit:     cfg.MaxRequests,
		Remaining: max(cfg.MaxRequests-stored.Count, 0),
		ResetAt:   b.ExpiresAt,
	}, nil
}

// Peek returns the bucket for the current window without counting a request.
// A window with no admissions yet yields a bucket with Count 0.
func (l *Limiter) Peek(ctx context.Context, cfg Config) (storage.Bucket, error) {
	if err := cfg.validateBucket(); err != nil {
		return storage.Bucket{}, err
	}

	b := newBucket(cfg, l.now())

	stored, err := l.store.GetBucket(ctx, b.ID)
	if errors.Is(err, storage.ErrBucketNotFound) {
		return b, nil
	}
	if err != nil {
		return storage.Bucket{}, fmt.Errorf("limiter: peek %q: %w", b.ID, err)
	}

	return stored, nil
}

// Reset deletes the bucket for the current window, re-opening the quota.
func (l *Limiter) Reset(ctx context.Context, cfg Config) error {
	if err := cfg.validateBucket(); err != nil {
		return err
	}

	b := newBucket(cfg, l.now())
	if err := l.store.DeleteBucket(ctx, b.ID); err != nil {
		return fmt.Errorf("limiter: reset %q: %w", b.ID, err)
	}

	return nil
}

func newBucket(cfg Config, now time.Time) storage.Bucket {
	window := cfg.window()
	key := Sanitize(cfg.Key)
	identifier := Sanitize(cfg.Identifier)
	index := BucketIndex(now, window)
	windowStart := time.UnixMilli(index * window.Milliseconds()).UTC()

	return storage.Bucket{
		ID:          BucketID(key, identifier, index),
		Key:         key,
		Identifier:  identifier,
		Index:       index,
		WindowStart: windowStart,
		ExpiresAt:   windowStart.Add(window),
		UpdatedAt:   now.UTC(),
	}
}
