// Command migrate manages the consoleguard PostgreSQL schema and prunes
// expired buckets and old decision events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/partsdesk/consoleguard/internal/analytics"
	"github.com/partsdesk/consoleguard/internal/logging"
	"github.com/partsdesk/consoleguard/internal/storage"
	"github.com/partsdesk/consoleguard/internal/storage/migrations"
)

type options struct {
	action      string
	databaseURL string
	steps       int
	version     uint
	retention   time.Duration
	logLevel    string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	logging.Setup(opts.logLevel, "text")

	if opts.action == "prune" {
		return prune(opts.databaseURL, opts.retention)
	}

	runner, err := migrations.NewRunner(opts.databaseURL)
	if err != nil {
		return err
	}
	defer runner.Close()

	if err := schemaAction(runner, opts); err != nil {
		return fmt.Errorf("%s: %w", opts.action, err)
	}

	status, err := runner.Status()
	if err != nil {
		return err
	}
	if opts.action == "version" {
		fmt.Printf("version=%d dirty=%t\n", status.Version, status.Dirty)
		return nil
	}
	slog.Info("migrate: done", "action", opts.action, "version", status.Version, "dirty", status.Dirty)
	return nil
}

var actions = []string{"up", "down", "steps", "goto", "force", "version", "prune"}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&o.action, "action", "up", "one of: "+strings.Join(actions, " | "))
	fs.StringVar(&o.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL (default $DATABASE_URL)")
	fs.IntVar(&o.steps, "steps", 0, "migrations to apply for -action=steps; negative rolls back")
	fs.UintVar(&o.version, "version", 0, "target version for -action=goto and -action=force")
	fs.DurationVar(&o.retention, "retention", 7*24*time.Hour, "age after which -action=prune deletes decision events")
	fs.StringVar(&o.logLevel, "log-level", "info", "debug | info | warn | error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	switch {
	case o.databaseURL == "":
		return o, errors.New("DATABASE_URL is required (set the env var or pass -database-url)")
	case !slices.Contains(actions, o.action):
		return o, fmt.Errorf("unknown action %q", o.action)
	case o.action == "steps" && o.steps == 0:
		return o, errors.New("-steps must be non-zero for -action=steps")
	case o.action == "prune" && o.retention <= 0:
		return o, errors.New("-retention must be positive")
	}
	return o, nil
}

func schemaAction(r *migrations.Runner, o options) error {
	switch o.action {
	case "up":
		return r.Up()
	case "down":
		return r.Down()
	case "steps":
		return r.Steps(o.steps)
	case "goto":
		return r.MigrateTo(o.version)
	case "force":
		return r.Force(int(o.version))
	default:
		return nil
	}
}

// prune deletes bucket rows whose window has ended and decision events
// older than retention.
func prune(databaseURL string, retention time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := storage.NewPostgresStorage(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now().UTC()
	buckets, err := store.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}
	events, err := analytics.NewPostgresWriter(store.DB()).Prune(ctx, now.Add(-retention))
	if err != nil {
		return err
	}

	slog.Info("migrate: pruned", "buckets", buckets, "events", events, "retention", retention)
	return nil
}
