// Package storage provides the bucket stores backing the consoleguard
// fixed-window rate limiter.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorageClosed is returned when an operation is attempted on a closed storage.
	ErrStorageClosed = errors.New("storage: connection closed")

	// ErrBucketNotFound is returned when a bucket record does not exist.
	ErrBucketNotFound = errors.New("storage: bucket not found")
)

// Bucket is the persisted counter for one (scope key, identifier, window) triple.
type Bucket struct {
	// ID is "key:identifier:bucket" and uniquely identifies the record.
	ID string `json:"id"`
	// Key is the sanitized scope key.
	Key string `json:"key"`
	// Identifier is the sanitized caller identity.
	Identifier string `json:"identifier"`
	// Index is the fixed-window index, floor(now_ms / window_ms).
	Index int64 `json:"bucket"`
	// Count is the number of admitted requests in the window.
	Count int64 `json:"count"`

	WindowStart time.Time `json:"window_start"`
	ExpiresAt   time.Time `json:"expires_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BucketStore defines the interface for rate limiting state backends.
// All methods must be safe for concurrent use.
type BucketStore interface {
	// IncrementBucket atomically reads the bucket identified by b.ID and, if
	// its count is below max, stores it with the count incremented and the
	// timestamps of b. It returns the stored bucket and true when admitted,
	// or the current bucket and false when the increment would exceed max.
	// A rejected attempt performs no write.
	IncrementBucket(ctx context.Context, b Bucket, max int64) (Bucket, bool, error)

	// GetBucket returns the bucket with the given id or ErrBucketNotFound.
	GetBucket(ctx context.Context, id string) (Bucket, error)

	// DeleteBucket removes the bucket with the given id. Deleting a missing
	// bucket is not an error.
	DeleteBucket(ctx context.Context, id string) error

	// Ping checks the health of the storage backend.
	Ping(ctx context.Context) error

	// Close gracefully shuts down the storage connection.
	Close() error
}
