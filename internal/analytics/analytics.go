// Package analytics records guard decisions asynchronously and answers the
// read-model queries behind the stats API.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one guard decision to be logged.
type Event struct {
	Timestamp         time.Time
	RequestID         string
	ScopeKey          string
	Identifier        string
	Method            string
	Path              string
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds int64
	Status            int
	ResponseMS        int64
}

// BatchWriter persists a batch of events.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []Event) error
}

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	writeTimeout         = 10 * time.Second
)

// Config holds configuration for the analytics logger. Zero values pick
// the defaults.
type Config struct {
	// DB is used through a PostgresWriter when Writer is nil.
	DB *sql.DB
	// Writer overrides the batch destination.
	Writer BatchWriter

	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration

	// OnDrop is called for every event that could not be queued.
	OnDrop func()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Logger queues guard decisions and writes them in batches from a single
// background goroutine, so the request path never waits on the database.
type Logger struct {
	cfg    Config
	writer BatchWriter

	queue    chan Event
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	logged  atomic.Int64
	dropped atomic.Int64
}

// New starts a logger. Without an explicit Writer the DB must be reachable.
func New(cfg Config) (*Logger, error) {
	writer := cfg.Writer
	if writer == nil {
		if cfg.DB == nil {
			return nil, errors.New("analytics: database connection is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := cfg.DB.PingContext(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("analytics: database not available: %w", err)
		}
		writer = NewPostgresWriter(cfg.DB)
	}

	cfg = cfg.withDefaults()
	l := &Logger{
		cfg:     cfg,
		writer:  writer,
		queue:   make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()

	return l, nil
}

// Log enqueues event without blocking. Events arriving on a full queue or
// after Close are counted as dropped.
func (l *Logger) Log(event Event) {
	select {
	case <-l.stop:
		l.markDropped()
		return
	default:
	}

	select {
	case l.queue <- event:
	default:
		l.markDropped()
		slog.Warn("analytics: queue full, event dropped", "scope", event.ScopeKey)
	}
}

func (l *Logger) markDropped() {
	l.dropped.Add(1)
	if l.cfg.OnDrop != nil {
		l.cfg.OnDrop()
	}
}

// Close asks the worker to write everything still queued and waits for it,
// bounded by ctx. Repeated calls only wait.
func (l *Logger) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })

	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("analytics: close: %w", ctx.Err())
	}
}

// Stats reports how many events were written and how many were dropped.
func (l *Logger) Stats() (logged, dropped int64) {
	return l.logged.Load(), l.dropped.Load()
}

func (l *Logger) run() {
	defer close(l.stopped)

	pending := make([]Event, 0, l.cfg.BatchSize)
	tick := time.NewTicker(l.cfg.FlushInterval)
	defer tick.Stop()

	add := func(e Event) {
		pending = append(pending, e)
		if len(pending) >= l.cfg.BatchSize {
			l.write(pending)
			pending = pending[:0]
		}
	}

	for {
		select {
		case e := <-l.queue:
			add(e)
		case <-tick.C:
			l.write(pending)
			pending = pending[:0]
		case <-l.stop:
			for {
				select {
				case e := <-l.queue:
					add(e)
				default:
					l.write(pending)
					return
				}
			}
		}
	}
}

// write hands one batch to the writer. A failed batch is logged and
// discarded; it is not counted as logged.
func (l *Logger) write(batch []Event) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := l.writer.WriteBatch(ctx, batch); err != nil {
		slog.Error("analytics: batch write failed", "events", len(batch), "error", err)
		return
	}
	l.logged.Add(int64(len(batch)))
	slog.Debug("analytics: batch written", "events", len(batch))
}

// eventColumns is the insert column order used by PostgresWriter.
var eventColumns = []string{
	"timestamp", "request_id", "scope_key", "identifier", "method", "path",
	"allowed", "limit_value", "remaining", "retry_after_seconds", "status", "response_ms",
}

func (e Event) values() []any {
	return []any{
		e.Timestamp, e.RequestID, e.ScopeKey, e.Identifier, e.Method, e.Path,
		e.Allowed, e.Limit, e.Remaining, e.RetryAfterSeconds, e.Status, e.ResponseMS,
	}
}

// maxRowsPerInsert keeps each statement under the Postgres parameter limit.
const maxRowsPerInsert = 500

// PostgresWriter inserts events into rate_limit_events. A batch is written in
// one transaction using multi-row INSERT statements.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter creates a writer over db.
func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// WriteBatch implements BatchWriter.
func (w *PostgresWriter) WriteBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for chunk := range slices.Chunk(events, maxRowsPerInsert) {
		query, args := insertEventsQuery(chunk)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("analytics: insert %d events: %w", len(chunk), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics: commit batch: %w", err)
	}
	return nil
}

func insertEventsQuery(events []Event) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO rate_limit_events (")
	b.WriteString(strings.Join(eventColumns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(events)*len(eventColumns))
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range eventColumns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("$" + strconv.Itoa(len(args)+j+1))
		}
		b.WriteByte(')')
		args = append(args, e.values()...)
	}
	return b.String(), args
}

// Prune deletes events older than cutoff and returns how many were removed.
func (w *PostgresWriter) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, `DELETE FROM rate_limit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("analytics: prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("analytics: prune events: %w", err)
	}
	return n, nil
}
