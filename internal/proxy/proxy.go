// Package proxy forwards admitted console requests to the backend.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/partsdesk/consoleguard/internal/auth"
	guardhttp "github.com/partsdesk/consoleguard/internal/httputil"
)

// Headers the proxy sets from the verified identity. Incoming values are
// always stripped so callers cannot assert an identity themselves.
const (
	SubjectHeader = "X-Consoleguard-Subject"
	RoleHeader    = "X-Consoleguard-Role"
)

// Middleware wraps a handler, e.g. guard.Guard.Middleware.
type Middleware func(http.Handler) http.Handler

// GatewayProxy is an HTTP reverse proxy with optional middleware in front.
type GatewayProxy struct {
	proxy   *httputil.ReverseProxy
	handler http.Handler
}

// Option configures optional GatewayProxy behavior.
type Option func(*options)

type options struct {
	middleware    []Middleware
	flushInterval time.Duration
	transport     http.RoundTripper
}

// WithMiddleware wraps the proxy in mw. The first middleware given runs first.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, mw...)
	}
}

// WithFlushInterval sets how often streamed backend responses are flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		o.flushInterval = d
	}
}

// WithTransport overrides the transport used to reach the backend.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// New creates a new GatewayProxy targeting the provided backend URL.
func New(target *url.URL, opts ...Option) (*GatewayProxy, error) {
	if target == nil {
		return nil, fmt.Errorf("proxy: target URL is required")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("proxy: target URL scheme must be http or https, got %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("proxy: target URL must include a host")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del(SubjectHeader)
			pr.Out.Header.Del(RoleHeader)
			if id, ok := auth.IdentityFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(SubjectHeader, id.Subject)
				pr.Out.Header.Set(RoleHeader, string(id.Role))
			}
		},
		FlushInterval: o.flushInterval,
		Transport:     o.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("proxy: backend error", "path", r.URL.Path, "error", err)
			guardhttp.WriteError(w, http.StatusBadGateway, "bad gateway")
		},
	}

	var handler http.Handler = rp
	for i := len(o.middleware) - 1; i >= 0; i-- {
		handler = o.middleware[i](handler)
	}

	return &GatewayProxy{proxy: rp, handler: handler}, nil
}

// ServeHTTP runs the middleware chain and proxies the request to the backend.
func (gp *GatewayProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gp.handler.ServeHTTP(w, r)
}
