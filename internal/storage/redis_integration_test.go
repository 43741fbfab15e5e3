//go:build integration

package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectRedis opens a store against REDIS_ADDR (default localhost:6379) and
// skips the test when nothing answers there.
func connectRedis(t *testing.T) *RedisStorage {
	t.Helper()

	cfg := DefaultRedisConfig()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rs, err := NewRedisStorage(ctx, cfg)
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", cfg.Addr, err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func freshBucket(t *testing.T, rs *RedisStorage) Bucket {
	t.Helper()
	b := testBucket("it:"+t.Name(), time.Now().UTC())
	require.NoError(t, rs.DeleteBucket(context.Background(), b.ID))
	return b
}

func TestRedisIntegration_Ping(t *testing.T) {
	rs := connectRedis(t)
	require.NoError(t, rs.Ping(context.Background()))
	assert.NotNil(t, rs.PoolStats())
}

func TestRedisIntegration_RejectsPastLimit(t *testing.T) {
	rs := connectRedis(t)
	ctx := context.Background()
	b := freshBucket(t, rs)

	for want := int64(1); want <= 3; want++ {
		got, ok, err := rs.IncrementBucket(ctx, b, 3)
		require.NoError(t, err)
		require.True(t, ok, "request %d", want)
		assert.Equal(t, want, got.Count)
	}

	got, ok, err := rs.IncrementBucket(ctx, b, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), got.Count)

	ttl, err := rs.client.PTTL(ctx, bucketKey(b.ID)).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestRedisIntegration_InstancesShareQuota(t *testing.T) {
	first := connectRedis(t)
	second := connectRedis(t)
	ctx := context.Background()
	b := freshBucket(t, first)

	const (
		workers = 50
		limit   = 20
	)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := range workers {
		store := first
		if i%2 == 1 {
			store = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.IncrementBucket(ctx, b, limit)
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())

	stored, err := second.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), stored.Count)
}
