package storage

import (
	"context"
	"sync"
	"time"
)

// memorySweepInterval bounds how often IncrementBucket scans for buckets
// whose window has closed.
const memorySweepInterval = time.Minute

// MemoryStorage is a BucketStore kept in process memory. It is only suitable
// for a single instance and for tests; counters are not shared across processes.
type MemoryStorage struct {
	mu        sync.Mutex
	buckets   map[string]Bucket
	nextSweep time.Time
	closed    bool
}

// NewMemoryStorage creates an empty in-memory bucket store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]Bucket)}
}

// IncrementBucket implements BucketStore. Buckets whose window closed before
// b.UpdatedAt are dropped along the way, at most once per sweep interval.
func (ms *MemoryStorage) IncrementBucket(_ context.Context, b Bucket, limit int64) (Bucket, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return Bucket{}, false, ErrStorageClosed
	}
	ms.sweep(b.UpdatedAt)

	current, ok := ms.buckets[b.ID]
	if !ok {
		current = b
		current.Count = 0
	}

	next := current.Count + 1
	if next > limit {
		return current, false, nil
	}

	b.Count = next
	ms.buckets[b.ID] = b

	return b, true, nil
}

func (ms *MemoryStorage) sweep(now time.Time) {
	if now.IsZero() || now.Before(ms.nextSweep) {
		return
	}
	ms.nextSweep = now.Add(memorySweepInterval)

	for id, b := range ms.buckets {
		if b.ExpiresAt.Before(now) {
			delete(ms.buckets, id)
		}
	}
}

// GetBucket implements BucketStore.
func (ms *MemoryStorage) GetBucket(_ context.Context, id string) (Bucket, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return Bucket{}, ErrStorageClosed
	}

	b, ok := ms.buckets[id]
	if !ok {
		return Bucket{}, ErrBucketNotFound
	}

	return b, nil
}

// DeleteBucket implements BucketStore.
func (ms *MemoryStorage) DeleteBucket(_ context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStorageClosed
	}

	delete(ms.buckets, id)
	return nil
}

// Ping implements BucketStore.
func (ms *MemoryStorage) Ping(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close implements BucketStore.
func (ms *MemoryStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.closed = true
	return nil
}

// Len returns the number of buckets currently held.
func (ms *MemoryStorage) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return len(ms.buckets)
}
