package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	rs, err := NewRedisStorage(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = rs.Close()
	})

	return rs, mr
}

func testBucket(id string, now time.Time) Bucket {
	windowStart := now.Truncate(time.Minute)
	return Bucket{
		ID:          id,
		Key:         "api:test:ip",
		Identifier:  "10.0.0.1",
		Index:       windowStart.UnixMilli() / time.Minute.Milliseconds(),
		WindowStart: windowStart,
		ExpiresAt:   windowStart.Add(time.Minute),
		UpdatedAt:   now,
	}
}

// storeFactories lets the same behavioural checks run against every
// BucketStore that does not need an external service.
func storeFactories() map[string]func(t *testing.T) BucketStore {
	return map[string]func(t *testing.T) BucketStore{
		"memory": func(t *testing.T) BucketStore {
			return NewMemoryStorage()
		},
		"redis": func(t *testing.T) BucketStore {
			rs, _ := newMiniRedisStorage(t)
			return rs
		},
	}
}

func TestBucketStore_IncrementUpToMax(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			b := testBucket("api:test:ip:10.0.0.1:1", time.Now().UTC())

			for i := int64(1); i <= 3; i++ {
				got, admitted, err := store.IncrementBucket(ctx, b, 3)
				require.NoError(t, err)
				assert.True(t, admitted, "attempt %d should be admitted", i)
				assert.Equal(t, i, got.Count)
			}

			got, admitted, err := store.IncrementBucket(ctx, b, 3)
			require.NoError(t, err)
			assert.False(t, admitted)
			assert.Equal(t, int64(3), got.Count, "rejected attempt must not write")

			stored, err := store.GetBucket(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(3), stored.Count)
			assert.Equal(t, b.Key, stored.Key)
			assert.Equal(t, b.Identifier, stored.Identifier)
			assert.Equal(t, b.Index, stored.Index)
			assert.True(t, b.ExpiresAt.Equal(stored.ExpiresAt))
		})
	}
}

func TestBucketStore_DistinctIDsAreIndependent(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()

			first := testBucket("api:test:ip:a:1", now)
			second := testBucket("api:test:ip:b:1", now)

			_, admitted, err := store.IncrementBucket(ctx, first, 1)
			require.NoError(t, err)
			require.True(t, admitted)

			_, admitted, err = store.IncrementBucket(ctx, first, 1)
			require.NoError(t, err)
			assert.False(t, admitted)

			_, admitted, err = store.IncrementBucket(ctx, second, 1)
			require.NoError(t, err)
			assert.True(t, admitted)
		})
	}
}

func TestBucketStore_ConcurrentIncrementsNeverExceedMax(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			b := testBucket("api:test:ip:burst:1", time.Now().UTC())

			const (
				max   = 10
				total = 25
			)

			var (
				wg       sync.WaitGroup
				admitted atomic.Int64
				rejected atomic.Int64
			)

			for i := 0; i < total; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := store.IncrementBucket(ctx, b, max)
					if err != nil {
						t.Errorf("IncrementBucket failed: %v", err)
						return
					}
					if ok {
						admitted.Add(1)
					} else {
						rejected.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(max), admitted.Load())
			assert.Equal(t, int64(total-max), rejected.Load())
		})
	}
}

func TestBucketStore_GetAndDelete(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			b := testBucket("api:test:ip:del:1", time.Now().UTC())

			_, err := store.GetBucket(ctx, b.ID)
			assert.ErrorIs(t, err, ErrBucketNotFound)

			_, _, err = store.IncrementBucket(ctx, b, 5)
			require.NoError(t, err)

			require.NoError(t, store.DeleteBucket(ctx, b.ID))
			require.NoError(t, store.DeleteBucket(ctx, b.ID), "deleting a missing bucket is not an error")

			_, err = store.GetBucket(ctx, b.ID)
			assert.ErrorIs(t, err, ErrBucketNotFound)

			got, admitted, err := store.IncrementBucket(ctx, b, 5)
			require.NoError(t, err)
			assert.True(t, admitted)
			assert.Equal(t, int64(1), got.Count)
		})
	}
}

func TestBucketStore_Closed(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.Close())
			require.NoError(t, store.Close(), "Close must be idempotent")

			_, _, err := store.IncrementBucket(ctx, testBucket("x:y:1", time.Now()), 1)
			assert.True(t, errors.Is(err, ErrStorageClosed))
			assert.ErrorIs(t, store.Ping(ctx), ErrStorageClosed)
		})
	}
}

func TestMemoryStorage_DropsClosedWindows(t *testing.T) {
	ms := NewMemoryStorage()
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for _, id := range []string{"api:test:ip:a:1", "api:test:ip:b:1"} {
		_, _, err := ms.IncrementBucket(ctx, testBucket(id, start), 5)
		require.NoError(t, err)
	}
	require.Equal(t, 2, ms.Len())

	// Still inside the sweep interval: nothing is scanned yet.
	_, _, err := ms.IncrementBucket(ctx, testBucket("api:test:ip:a:2", start.Add(30*time.Second)), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, ms.Len())

	later := start.Add(2 * time.Minute)
	_, _, err = ms.IncrementBucket(ctx, testBucket("api:test:ip:a:3", later), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, ms.Len())

	_, err = ms.GetBucket(ctx, "api:test:ip:a:1")
	assert.ErrorIs(t, err, ErrBucketNotFound)
	got, err := ms.GetBucket(ctx, "api:test:ip:a:3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Count)
}

func TestRedisStorage_SetsTTL(t *testing.T) {
	rs, mr := newMiniRedisStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	b := testBucket("api:test:ip:ttl:1", now)

	_, _, err := rs.IncrementBucket(ctx, b, 5)
	require.NoError(t, err)

	ttl := mr.TTL(bucketKey(b.ID))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, b.ExpiresAt.Sub(now)+DefaultBucketGrace)

	mr.FastForward(ttl + time.Second)

	_, err = rs.GetBucket(ctx, b.ID)
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestRedisStorage_MalformedBucket(t *testing.T) {
	rs, mr := newMiniRedisStorage(t)

	mr.HSet(bucketKey("broken"), "count", "not-a-number")

	_, err := rs.GetBucket(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBucketNotFound)
}

func TestNewRedisStorage_Unreachable(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.MaxRetries = 0

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStorage(ctx, cfg)
	assert.Error(t, err)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()

	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, DefaultBucketGrace, cfg.BucketGrace)

	opts := cfg.options()
	assert.Equal(t, cfg.PoolSize, opts.PoolSize)
	assert.Equal(t, cfg.ConnectTimeout, opts.DialTimeout)
	assert.Equal(t, cfg.CommandTimeout, opts.ReadTimeout)
	assert.Equal(t, cfg.CommandTimeout, opts.WriteTimeout)
	assert.Equal(t, cfg.MaxBackoff, opts.MaxRetryBackoff)
}

func TestNewPostgresStorage_Validation(t *testing.T) {
	if _, err := NewPostgresStorage(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty database URL")
	}
	if _, err := NewPostgresStorageWithDB(nil); err == nil {
		t.Fatal("expected error for nil database")
	}
}

func TestStorageInterfaceCompliance(t *testing.T) {
	var _ BucketStore = (*RedisStorage)(nil)
	var _ BucketStore = (*PostgresStorage)(nil)
	var _ BucketStore = (*MemoryStorage)(nil)
}
