// Package migrations embeds and applies the consoleguard PostgreSQL schema:
// policies, rate limit buckets and the decision event log.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

// MigrationsTable records applied schema versions.
const MigrationsTable = "consoleguard_schema_migrations"

//go:embed sql/*.sql
var schema embed.FS

// Status is the applied schema version. Version 0 means nothing applied.
type Status struct {
	Version uint
	Dirty   bool
}

// Runner applies the embedded schema to one database.
type Runner struct {
	db     *sql.DB
	ownsDB bool
	m      *migrate.Migrate
}

// NewRunner connects to databaseURL. Close releases the connection.
func NewRunner(databaseURL string) (*Runner, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("migrations: database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: connect database: %w", err)
	}

	r, err := NewRunnerWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.ownsDB = true

	return r, nil
}

// NewRunnerWithDB runs migrations over one connection borrowed from an
// existing pool. Close returns the connection and leaves the pool open.
func NewRunnerWithDB(db *sql.DB) (*Runner, error) {
	if db == nil {
		return nil, errors.New("migrations: database connection is required")
	}

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrations: acquire connection: %w", err)
	}

	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations: postgres driver: %w", err)
	}

	source, err := iofs.New(schema, "sql")
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("migrations: embedded source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("migrations: create migrator: %w", err)
	}
	m.Log = migrateLogger{}

	return &Runner{db: db, m: m}, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	if err := check("up", r.m.Up()); err != nil {
		return err
	}

	if st, err := r.Status(); err == nil {
		slog.Info("migrations: schema up to date", "version", st.Version, "dirty", st.Dirty)
	}
	return nil
}

// Down reverts every applied migration.
func (r *Runner) Down() error {
	return check("down", r.m.Down())
}

// Steps moves n migrations forward (n > 0) or back (n < 0).
func (r *Runner) Steps(n int) error {
	if n == 0 {
		return nil
	}
	return check(fmt.Sprintf("steps %d", n), r.m.Steps(n))
}

// MigrateTo moves the schema to exactly version.
func (r *Runner) MigrateTo(version uint) error {
	return check(fmt.Sprintf("migrate to %d", version), r.m.Migrate(version))
}

// Force records version as applied and clears the dirty flag without
// running any migration.
func (r *Runner) Force(version int) error {
	if err := r.m.Force(version); err != nil {
		return fmt.Errorf("migrations: force %d: %w", version, err)
	}
	return nil
}

// Status reports the applied version.
func (r *Runner) Status() (Status, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return Status{Version: version, Dirty: dirty}, nil
}

// Version is Status split into its fields.
func (r *Runner) Version() (uint, bool, error) {
	st, err := r.Status()
	return st.Version, st.Dirty, err
}

// Close releases the migrator and, for runners from NewRunner, the pool.
func (r *Runner) Close() {
	if srcErr, dbErr := r.m.Close(); srcErr != nil || dbErr != nil {
		slog.Warn("migrations: close failed", "source_error", srcErr, "database_error", dbErr)
	}

	if r.ownsDB {
		if err := r.db.Close(); err != nil {
			slog.Warn("migrations: close database failed", "error", err)
		}
	}
}

func check(op string, err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return fmt.Errorf("migrations: %s: %w", op, err)
}

// migrateLogger forwards golang-migrate progress to slog at debug level.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug("migrations: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrateLogger) Verbose() bool { return false }
