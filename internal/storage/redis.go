package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes how RedisStorage connects and how long bucket hashes
// outlive their window.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	// ConnectTimeout bounds dialing; CommandTimeout bounds each read and write.
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// MaxRetries is how often go-redis retries a failed command, backing off
	// up to MaxBackoff.
	MaxRetries int
	MaxBackoff time.Duration

	// BucketGrace is added to each bucket's remaining window to form its TTL.
	BucketGrace time.Duration
}

// DefaultBucketGrace keeps a closed window inspectable for a minute.
const DefaultBucketGrace = time.Minute

// DefaultRedisConfig returns the settings used when only an address is known.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:           "localhost:6379",
		PoolSize:       16,
		MinIdleConns:   2,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 2 * time.Second,
		MaxRetries:     2,
		MaxBackoff:     250 * time.Millisecond,
		BucketGrace:    DefaultBucketGrace,
	}
}

func (c RedisConfig) options() *redis.Options {
	return &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		DialTimeout:     c.ConnectTimeout,
		ReadTimeout:     c.CommandTimeout,
		WriteTimeout:    c.CommandTimeout,
		MaxRetries:      c.MaxRetries,
		MaxRetryBackoff: c.MaxBackoff,
	}
}

// RedisStorage keeps each bucket in a Redis hash and updates it with a Lua
// script, so instances sharing one Redis enforce one quota.
type RedisStorage struct {
	client  *redis.Client
	scripts *scriptLoader
	grace   time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewRedisStorage connects, verifies the server answers, and preloads the
// bucket scripts.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(cfg.options())

	rs := &RedisStorage{
		client:  client,
		scripts: newScriptLoader(client),
		grace:   cfg.BucketGrace,
	}
	if err := rs.start(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: %s: %w", cfg.Addr, err)
	}

	slog.Info("redis: bucket store ready", "addr", cfg.Addr, "db", cfg.DB, "pool_size", cfg.PoolSize)
	return rs, nil
}

func (rs *RedisStorage) start(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := rs.scripts.LoadAll(ctx); err != nil {
		return fmt.Errorf("load scripts: %w", err)
	}
	return nil
}

// open runs fn unless the store has been closed.
func (rs *RedisStorage) open(fn func() error) error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.closed {
		return ErrStorageClosed
	}
	return fn()
}

// IncrementBucket implements BucketStore.
func (rs *RedisStorage) IncrementBucket(ctx context.Context, b Bucket, limit int64) (out Bucket, admitted bool, err error) {
	err = rs.open(func() error {
		out, admitted, err = rs.increment(ctx, b, limit)
		return err
	})
	return out, admitted, err
}

func (rs *RedisStorage) increment(ctx context.Context, b Bucket, limit int64) (Bucket, bool, error) {
	ttl := b.ExpiresAt.Sub(b.UpdatedAt)
	if ttl < math.MaxInt64-rs.grace {
		ttl += rs.grace
	}
	ttl = max(ttl, time.Millisecond)

	reply, err := rs.scripts.incrementBucket.Run(ctx, rs.client,
		[]string{bucketKey(b.ID)},
		limit,
		b.ID,
		b.Key,
		b.Identifier,
		b.Index,
		b.WindowStart.UnixMilli(),
		b.ExpiresAt.UnixMilli(),
		b.UpdatedAt.UnixMilli(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("redis: increment %q: %w", b.ID, err)
	}
	if len(reply) != 2 {
		return Bucket{}, false, fmt.Errorf("redis: increment %q: unexpected reply %v", b.ID, reply)
	}

	b.Count = reply[1]
	if reply[0] == 1 {
		return b, true, nil
	}

	// Rejected: report the stored bucket when it is still there.
	if current, err := rs.getBucket(ctx, b.ID); err == nil {
		return current, false, nil
	}
	return b, false, nil
}

// GetBucket implements BucketStore.
func (rs *RedisStorage) GetBucket(ctx context.Context, id string) (b Bucket, err error) {
	err = rs.open(func() error {
		b, err = rs.getBucket(ctx, id)
		return err
	})
	return b, err
}

func (rs *RedisStorage) getBucket(ctx context.Context, id string) (Bucket, error) {
	fields, err := rs.client.HGetAll(ctx, bucketKey(id)).Result()
	if err != nil {
		return Bucket{}, fmt.Errorf("redis: get %q: %w", id, err)
	}
	if len(fields) == 0 {
		return Bucket{}, ErrBucketNotFound
	}

	b, err := bucketFromHash(fields)
	if err != nil {
		return Bucket{}, fmt.Errorf("redis: malformed bucket %q: %w", id, err)
	}
	return b, nil
}

// DeleteBucket implements BucketStore.
func (rs *RedisStorage) DeleteBucket(ctx context.Context, id string) error {
	return rs.open(func() error {
		if err := rs.client.Del(ctx, bucketKey(id)).Err(); err != nil {
			return fmt.Errorf("redis: delete %q: %w", id, err)
		}
		return nil
	})
}

// Ping reports whether Redis answers. The health endpoint uses it.
func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.open(func() error {
		if err := rs.client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		return nil
	})
}

// Close releases the connection pool. Later calls are no-ops.
func (rs *RedisStorage) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil
	}
	rs.closed = true
	return rs.client.Close()
}

// PoolStats exposes go-redis pool counters.
func (rs *RedisStorage) PoolStats() *redis.PoolStats {
	return rs.client.PoolStats()
}

// bucketKey maps a bucket id to its Redis hash key.
func bucketKey(id string) string {
	return "ratelimit:bucket:" + id
}

func bucketFromHash(fields map[string]string) (Bucket, error) {
	var (
		b   Bucket
		err error
	)

	b.ID = fields["id"]
	b.Key = fields["key"]
	b.Identifier = fields["identifier"]

	if b.Index, err = parseInt(fields, "bucket"); err != nil {
		return Bucket{}, err
	}
	if b.Count, err = parseInt(fields, "count"); err != nil {
		return Bucket{}, err
	}

	windowStart, err := parseInt(fields, "window_start")
	if err != nil {
		return Bucket{}, err
	}
	expiresAt, err := parseInt(fields, "expires_at")
	if err != nil {
		return Bucket{}, err
	}
	updatedAt, err := parseInt(fields, "updated_at")
	if err != nil {
		return Bucket{}, err
	}

	b.WindowStart = time.UnixMilli(windowStart).UTC()
	b.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return b, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, errors.New("missing field " + name)
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}

	return v, nil
}
