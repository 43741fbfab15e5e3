// Package guard is the HTTP middleware that enforces rate limit policies on
// console routes before requests reach the backend.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/partsdesk/consoleguard/internal/auth"
	"github.com/partsdesk/consoleguard/internal/httputil"
	"github.com/partsdesk/consoleguard/internal/limiter"
	"github.com/partsdesk/consoleguard/internal/metrics"
	"github.com/partsdesk/consoleguard/internal/rules"
)

// RequestIDHeader carries the request id to the backend and back to the caller.
const RequestIDHeader = "X-Request-ID"

// DefaultPolicyName names the policy applied when no configured policy matches.
const DefaultPolicyName = "global"

// RateLimiter defines the limiter behavior required by the guard.
type RateLimiter interface {
	Check(ctx context.Context, cfg limiter.Config) (limiter.Result, error)
}

// IdentityVerifier resolves the authenticated caller of a request.
type IdentityVerifier interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

// Event is the outcome of one guarded request.
type Event struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestID         string    `json:"request_id"`
	Scope             string    `json:"scope"`
	Identifier        string    `json:"identifier"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	Allowed           bool      `json:"allowed"`
	Limit             int64     `json:"limit,omitempty"`
	Remaining         int64     `json:"remaining"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	Status            int       `json:"status"`
	ResponseMS        int64     `json:"response_ms"`
}

// Guard enforces every matching policy on each request.
type Guard struct {
	limiter       RateLimiter
	matcher       atomic.Pointer[rules.Matcher]
	defaultPolicy *rules.Rule
	verifier      IdentityVerifier
	trustProxy    bool
	failOpen      bool
	enforceRoles  bool
	metrics       *metrics.Metrics
	eventSink     func(Event)
	now           func() time.Time
}

// Option configures optional Guard behavior.
type Option func(*Guard)

// WithTrustProxy enables trusting X-Forwarded-For headers for client
// identification. Only enable this when the guard sits behind a trusted
// reverse proxy that sets the header.
func WithTrustProxy(trust bool) Option {
	return func(g *Guard) {
		g.trustProxy = trust
	}
}

// WithFailOpen admits requests when the bucket store fails instead of
// answering 500.
func WithFailOpen(failOpen bool) Option {
	return func(g *Guard) {
		g.failOpen = failOpen
	}
}

// WithVerifier resolves bearer tokens so user-scoped policies count per user.
func WithVerifier(v IdentityVerifier) Option {
	return func(g *Guard) {
		g.verifier = v
	}
}

// WithRoleEnforcement rejects requests whose role may not access the path
// with 403 before any quota is consumed.
func WithRoleEnforcement(enabled bool) Option {
	return func(g *Guard) {
		g.enforceRoles = enabled
	}
}

// WithRulesMatcher sets the initial policy matcher.
func WithRulesMatcher(m *rules.Matcher) Option {
	return func(g *Guard) {
		g.matcher.Store(m)
	}
}

// WithDefaultPolicy limits requests that match no policy to limit per
// window, keyed by client IP under scope "api:global:ip".
func WithDefaultPolicy(limit int64, window time.Duration) Option {
	return func(g *Guard) {
		if limit <= 0 || window < time.Second {
			g.defaultPolicy = nil
			return
		}
		g.defaultPolicy = &rules.Rule{
			Name:       DefaultPolicyName,
			Pattern:    "/*",
			Limit:      limit,
			Window:     window,
			IdentifyBy: rules.IdentifyByIP,
		}
	}
}

// WithMetrics records decisions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithEventSink configures a callback for request outcome events.
func WithEventSink(sink func(Event)) Option {
	return func(g *Guard) {
		g.eventSink = sink
	}
}

// New creates a guard over lim.
func New(lim RateLimiter, opts ...Option) (*Guard, error) {
	if lim == nil {
		return nil, errors.New("guard: limiter is required")
	}

	g := &Guard{
		limiter: lim,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// SetMatcher atomically replaces the current policy matcher, so policies
// can be reloaded without restarting.
func (g *Guard) SetMatcher(m *rules.Matcher) {
	g.matcher.Store(m)
	g.metrics.SetPolicies(m.Len())
}

// Matcher returns the policy matcher in use (may be nil).
func (g *Guard) Matcher() *rules.Matcher {
	return g.matcher.Load()
}

// Middleware wraps next with policy enforcement.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, next)
	})
}

func (g *Guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := g.now()

	requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(RequestIDHeader, requestID)
	}
	w.Header().Set(RequestIDHeader, requestID)

	clientIP := g.clientIP(r)
	identity, authenticated := g.identify(r)
	if authenticated {
		r = r.WithContext(auth.WithIdentity(r.Context(), identity))
	}

	event := Event{
		Timestamp:  start.UTC(),
		RequestID:  requestID,
		Identifier: limiter.Sanitize(clientIP),
		Method:     r.Method,
		Path:       r.URL.Path,
	}

	if g.enforceRoles {
		role := auth.RoleCustomer
		if authenticated {
			role = identity.Role
		}
		if !auth.CanAccessPath(role, r.URL.Path) {
			g.metrics.ObserveDecision("access", metrics.DecisionForbidden, 0)
			event.Status = http.StatusForbidden
			g.publish(event, start)
			httputil.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	var tightest *limiter.Result
	for _, policy := range g.policiesFor(r) {
		cfg := limiter.Config{
			Key:           policy.ScopeKey(),
			Identifier:    identifierFor(policy, r, clientIP, identity, authenticated),
			WindowSeconds: int64(policy.Window / time.Second),
			MaxRequests:   policy.Limit,
		}

		checkStart := time.Now()
		result, err := g.limiter.Check(r.Context(), cfg)
		took := time.Since(checkStart)

		if rlErr, ok := limiter.AsRateLimitError(err); ok {
			g.metrics.ObserveDecision(cfg.Key, metrics.DecisionRejected, took)
			slog.Debug("guard: quota exhausted",
				"request_id", requestID,
				"scope", rlErr.Key,
				"identifier", rlErr.Identifier,
				"retry_after_seconds", rlErr.RetryAfterSeconds,
			)

			event.Scope = rlErr.Key
			event.Identifier = rlErr.Identifier
			event.Limit = rlErr.Limit
			event.Remaining = 0
			event.RetryAfterSeconds = rlErr.RetryAfterSeconds
			event.Status = http.StatusTooManyRequests
			g.publish(event, start)

			httputil.WriteRateLimited(w, rlErr)
			return
		}

		if err != nil {
			g.metrics.ObserveStoreError("increment")
			if g.failOpen {
				g.metrics.ObserveDecision(cfg.Key, metrics.DecisionFailOpen, took)
				slog.Warn("guard: limiter error, allowing request",
					"request_id", requestID, "scope", cfg.Key, "error", err)
				continue
			}

			g.metrics.ObserveDecision(cfg.Key, metrics.DecisionStoreFail, took)
			slog.Error("guard: limiter error",
				"request_id", requestID, "scope", cfg.Key, "error", err)

			event.Scope = limiter.Sanitize(cfg.Key)
			event.Status = http.StatusInternalServerError
			g.publish(event, start)

			httputil.WriteError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}

		g.metrics.ObserveDecision(cfg.Key, metrics.DecisionAllowed, took)
		if tightest == nil || result.Remaining < tightest.Remaining {
			res := result
			tightest = &res
		}
	}

	if tightest != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(tightest.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(tightest.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(tightest.ResetAt.Unix(), 10))
		w.Header().Set("X-RateLimit-Scope", tightest.Bucket.Key)

		event.Scope = tightest.Bucket.Key
		event.Identifier = tightest.Bucket.Identifier
		event.Limit = tightest.Limit
		event.Remaining = tightest.Remaining
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r)

	event.Allowed = true
	event.Status = rec.status
	g.publish(event, start)
}

// policiesFor returns the enabled policies for r, or the default policy
// when none match.
func (g *Guard) policiesFor(r *http.Request) []rules.Rule {
	matches := g.matcher.Load().MatchAll(r.Method, r.URL.Path)
	if len(matches) == 0 {
		if g.defaultPolicy == nil {
			return nil
		}
		return []rules.Rule{*g.defaultPolicy}
	}

	out := make([]rules.Rule, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Rule)
	}
	return out
}

func (g *Guard) identify(r *http.Request) (auth.Identity, bool) {
	if g.verifier == nil || auth.BearerToken(r) == "" {
		return auth.Identity{}, false
	}

	identity, err := g.verifier.FromRequest(r)
	if err != nil {
		slog.Debug("guard: ignoring unverifiable bearer token", "error", err)
		return auth.Identity{}, false
	}
	return identity, true
}

func (g *Guard) publish(event Event, start time.Time) {
	if g.eventSink == nil {
		return
	}
	event.ResponseMS = g.now().Sub(start).Milliseconds()
	g.eventSink(event)
}

func (g *Guard) clientIP(r *http.Request) string {
	return ClientIP(r, g.trustProxy)
}

// ClientIP returns the first X-Forwarded-For hop when trustProxy is set,
// else the host part of RemoteAddr, else "unknown".
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
		if xff != "" {
			candidate, _, _ := strings.Cut(xff, ",")
			if candidate = strings.TrimSpace(candidate); candidate != "" {
				return candidate
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	if trimmed := strings.TrimSpace(r.RemoteAddr); trimmed != "" {
		return trimmed
	}

	return limiter.UnknownIdentifier
}

// identifierFor picks the identity a policy counts by. User and header
// policies fall back to the client IP when their source is missing.
func identifierFor(policy rules.Rule, r *http.Request, clientIP string, identity auth.Identity, authenticated bool) string {
	switch policy.IdentifyBy {
	case rules.IdentifyByUser:
		if authenticated && identity.Subject != "" {
			return identity.Subject
		}
	case rules.IdentifyByHeader:
		if v := strings.TrimSpace(r.Header.Get(policy.HeaderName)); v != "" {
			return v
		}
	}
	return clientIP
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and hijacking.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
