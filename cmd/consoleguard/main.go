package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/partsdesk/consoleguard/internal/analytics"
	"github.com/partsdesk/consoleguard/internal/api"
	"github.com/partsdesk/consoleguard/internal/auth"
	"github.com/partsdesk/consoleguard/internal/config"
	"github.com/partsdesk/consoleguard/internal/guard"
	"github.com/partsdesk/consoleguard/internal/limiter"
	"github.com/partsdesk/consoleguard/internal/logging"
	"github.com/partsdesk/consoleguard/internal/metrics"
	"github.com/partsdesk/consoleguard/internal/proxy"
	"github.com/partsdesk/consoleguard/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("consoleguard stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("consoleguard listening",
			"addr", server.Addr,
			"backend", cfg.BackendURL.String(),
			"store", cfg.StoreBackend,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down consoleguard")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// bucketStore is what the gateway needs from a storage backend.
type bucketStore interface {
	limiter.BucketStore
	Ping(ctx context.Context) error
	Close() error
}

type app struct {
	cfg       *config.Config
	db        *sql.DB
	store     bucketStore
	limiter   *limiter.Limiter
	metrics   *metrics.Metrics
	verifier  *auth.Verifier
	guard     *guard.Guard
	proxy     *proxy.GatewayProxy
	policies  *api.PoliciesHandler
	stats     api.StatsProvider
	broker    *api.StatsStreamBroker
	analytics *analytics.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		metrics: metrics.New(),
		broker:  api.NewStatsStreamBroker(256),
	}

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
	}

	store, err := openStore(ctx, cfg, a.db)
	if err != nil {
		return nil, err
	}
	a.store = store

	if a.limiter, err = limiter.New(store); err != nil {
		return nil, err
	}

	if cfg.JWTSecret != "" {
		var opts []auth.VerifierOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
		}
		if a.verifier, err = auth.NewVerifier(cfg.JWTSecret, opts...); err != nil {
			return nil, err
		}
	}

	var repo api.PolicyRepository = api.NewInMemoryRepository()
	if a.db != nil {
		if repo, err = api.NewPostgresRepository(a.db); err != nil {
			return nil, err
		}

		qs, err := analytics.NewQueryService(a.db)
		if err != nil {
			return nil, err
		}
		a.stats = qs

		a.analytics, err = analytics.New(analytics.Config{
			DB:     a.db,
			OnDrop: a.metrics.EventsDropped.Inc,
		})
		if err != nil {
			return nil, err
		}
	}

	guardOpts := []guard.Option{
		guard.WithTrustProxy(cfg.TrustProxy),
		guard.WithFailOpen(cfg.FailOpen),
		guard.WithRoleEnforcement(cfg.EnforceRoles),
		guard.WithDefaultPolicy(cfg.RateLimitRequests, cfg.RateLimitWindow),
		guard.WithMetrics(a.metrics),
		guard.WithEventSink(eventSink(a.analytics, a.broker)),
	}
	if a.verifier != nil {
		guardOpts = append(guardOpts, guard.WithVerifier(a.verifier))
	}
	if a.guard, err = guard.New(a.limiter, guardOpts...); err != nil {
		return nil, err
	}

	a.policies = api.NewPoliciesHandler(repo, api.WithReload(a.guard.SetMatcher))
	if err := a.policies.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	slog.Info("policies loaded", "count", a.guard.Matcher().Len())

	a.proxy, err = proxy.New(cfg.BackendURL,
		proxy.WithMiddleware(a.guard.Middleware),
		proxy.WithTransport(backendTransport()),
		proxy.WithFlushInterval(-1),
	)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return db, nil
}

// backendTransport keeps a warm connection pool to the single console backend.
func backendTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 64
	t.IdleConnTimeout = 90 * time.Second
	t.ResponseHeaderTimeout = 25 * time.Second
	return t
}

func openStore(ctx context.Context, cfg *config.Config, db *sql.DB) (bucketStore, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return storage.NewRedisStorage(connectCtx, redisCfg)
	case config.StorePostgres:
		return storage.NewPostgresStorageWithDB(db)
	case config.StoreMemory:
		slog.Warn("memory bucket store in use; quotas are not shared between instances")
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func (a *app) close() {
	if a.analytics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.analytics.Close(ctx); err != nil {
			slog.Error("failed to flush analytics", "error", err)
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("failed to close bucket store", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}
}

// eventSink fans guard decisions out to the analytics log and the live
// stream. logger may be nil when no database is configured.
func eventSink(logger *analytics.Logger, broker *api.StatsStreamBroker) func(guard.Event) {
	return func(e guard.Event) {
		if logger != nil {
			logger.Log(analytics.Event{
				Timestamp:         e.Timestamp,
				RequestID:         e.RequestID,
				ScopeKey:          e.Scope,
				Identifier:        e.Identifier,
				Method:            e.Method,
				Path:              e.Path,
				Allowed:           e.Allowed,
				Limit:             e.Limit,
				Remaining:         e.Remaining,
				RetryAfterSeconds: e.RetryAfterSeconds,
				Status:            e.Status,
				ResponseMS:        e.ResponseMS,
			})
		}
		if broker != nil {
			broker.Publish(api.StatsStreamEvent{
				Timestamp:         e.Timestamp,
				RequestID:         e.RequestID,
				Scope:             e.Scope,
				Identifier:        e.Identifier,
				Method:            e.Method,
				Path:              e.Path,
				Allowed:           e.Allowed,
				Limit:             e.Limit,
				Remaining:         e.Remaining,
				RetryAfterSeconds: e.RetryAfterSeconds,
				Status:            e.Status,
			})
		}
	}
}
