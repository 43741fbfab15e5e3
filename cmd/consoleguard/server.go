package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/partsdesk/consoleguard/internal/api"
	"github.com/partsdesk/consoleguard/internal/httputil"
)

// routes builds the gateway mux. Guarded console traffic lives under
// /proxy/; everything under /api/ is the admin-only management surface.
func (a *app) routes() http.Handler {
	var verifier api.TokenVerifier
	if a.verifier != nil {
		verifier = a.verifier
	}
	admin := func(h http.Handler) http.Handler {
		return corsMiddleware(a.cfg.AllowedOrigins, api.RequireAdmin(a.cfg.AdminAPIToken, verifier, h))
	}

	policies := admin(a.policies)
	stats := admin(api.NewStatsHandler(a.stats))
	buckets := admin(api.NewBucketsHandler(a.limiter))
	stream := admin(api.NewStatsStreamHandler(a.broker,
		api.WithAllowedOrigins(a.cfg.AllowedOrigins),
		api.WithStreamMetrics(a.metrics),
	))

	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(a.cfg.StoreBackend, a.store))
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/", rootHandler)

	mux.Handle("/api/policies", policies)
	mux.Handle("/api/policies/", policies)
	mux.Handle("/api/stats/", stats)
	mux.Handle("/api/stats/stream", stream)
	mux.Handle("/api/buckets", buckets)

	mux.Handle("/proxy/", http.StripPrefix("/proxy", a.proxy))
	mux.HandleFunc("/proxy", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/proxy/", http.StatusMovedPermanently)
	})

	return mux
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(backend string, store pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			slog.Warn("health check failed", "store", backend, "error", err)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"service": "consoleguard",
				"store":   backend,
			})
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "consoleguard",
			"store":   backend,
		})
	})
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("consoleguard\n")); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// corsMiddleware answers preflights and echoes allowed origins. With no
// allowed origins configured it is a pass-through.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Admin-Token, X-Request-ID")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
