package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage implements BucketStore on a rate_limit_buckets table.
// The schema is created by the migrations package.
type PostgresStorage struct {
	db     *sql.DB
	ownsDB bool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStorage opens a connection pool for databaseURL and verifies it.
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres: database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to connect to database: %w", err)
	}

	slog.Info("postgres: bucket store connected")

	return &PostgresStorage{db: db, ownsDB: true}, nil
}

// NewPostgresStorageWithDB wraps an existing connection pool. Close does not
// close a pool it did not open.
func NewPostgresStorageWithDB(db *sql.DB) (*PostgresStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres: database connection is required")
	}

	return &PostgresStorage{db: db}, nil
}

// The conditional upsert is the check-and-increment: the row lock taken by
// ON CONFLICT serializes concurrent writers, and the WHERE clause leaves the
// row untouched (no RETURNING row) once count has reached max.
const upsertBucketSQL = `
	INSERT INTO rate_limit_buckets (
		id, scope_key, identifier, bucket, count,
		window_start, expires_at, updated_at
	) VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		count = rate_limit_buckets.count + 1,
		updated_at = EXCLUDED.updated_at
	WHERE rate_limit_buckets.count < $8
	RETURNING count
`

const selectBucketSQL = `
	SELECT id, scope_key, identifier, bucket, count, window_start, expires_at, updated_at
	FROM rate_limit_buckets
	WHERE id = $1
`

// IncrementBucket implements BucketStore.
func (ps *PostgresStorage) IncrementBucket(ctx context.Context, b Bucket, max int64) (Bucket, bool, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return Bucket{}, false, ErrStorageClosed
	}

	if max < 1 {
		current, err := ps.getBucket(ctx, ps.db, b.ID)
		if errors.Is(err, ErrBucketNotFound) {
			current = b
			current.Count = 0
			err = nil
		}
		return current, false, err
	}

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return Bucket{}, false, fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int64
	err = tx.QueryRowContext(ctx, upsertBucketSQL,
		b.ID,
		b.Key,
		b.Identifier,
		b.Index,
		b.WindowStart,
		b.ExpiresAt,
		b.UpdatedAt,
		max,
	).Scan(&count)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		current, getErr := ps.getBucket(ctx, tx, b.ID)
		if getErr != nil {
			return Bucket{}, false, getErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return Bucket{}, false, fmt.Errorf("postgres: failed to commit transaction: %w", commitErr)
		}
		return current, false, nil
	case err != nil:
		return Bucket{}, false, fmt.Errorf("postgres: increment failed for bucket %q: %w", b.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return Bucket{}, false, fmt.Errorf("postgres: failed to commit transaction: %w", err)
	}

	b.Count = count
	return b, true, nil
}

// GetBucket implements BucketStore.
func (ps *PostgresStorage) GetBucket(ctx context.Context, id string) (Bucket, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return Bucket{}, ErrStorageClosed
	}

	return ps.getBucket(ctx, ps.db, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (ps *PostgresStorage) getBucket(ctx context.Context, q rowQuerier, id string) (Bucket, error) {
	var b Bucket
	err := q.QueryRowContext(ctx, selectBucketSQL, id).Scan(
		&b.ID,
		&b.Key,
		&b.Identifier,
		&b.Index,
		&b.Count,
		&b.WindowStart,
		&b.ExpiresAt,
		&b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, ErrBucketNotFound
	}
	if err != nil {
		return Bucket{}, fmt.Errorf("postgres: get bucket failed for %q: %w", id, err)
	}

	b.WindowStart = b.WindowStart.UTC()
	b.ExpiresAt = b.ExpiresAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()

	return b, nil
}

// DeleteBucket implements BucketStore.
func (ps *PostgresStorage) DeleteBucket(ctx context.Context, id string) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrStorageClosed
	}

	if _, err := ps.db.ExecContext(ctx, `DELETE FROM rate_limit_buckets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete failed for bucket %q: %w", id, err)
	}

	return nil
}

// DeleteExpired removes buckets whose window closed before cutoff and
// returns how many rows were removed. It is meant for an external pruning job.
func (ps *PostgresStorage) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return 0, ErrStorageClosed
	}

	res, err := ps.db.ExecContext(ctx, `DELETE FROM rate_limit_buckets WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired buckets failed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: rows affected: %w", err)
	}

	return n, nil
}

// Ping checks connectivity to the database.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrStorageClosed
	}

	if err := ps.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}

	return nil
}

// Close releases the connection pool if this storage opened it.
func (ps *PostgresStorage) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}

	ps.closed = true
	if !ps.ownsDB {
		return nil
	}

	slog.Info("postgres: closing bucket store")
	return ps.db.Close()
}

// DB returns the underlying connection pool.
func (ps *PostgresStorage) DB() *sql.DB {
	return ps.db
}
