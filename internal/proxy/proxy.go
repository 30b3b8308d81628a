package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/florianilch/stockportal/internal/session"
)

// Option configures a Proxy.
type Option func(*proxyConfig)

type proxyConfig struct {
	metrics http.Handler
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *proxyConfig) {
		c.metrics = h
	}
}

// Proxy is a local forward proxy that authenticates every request to the portal
// API with the session's credentials.
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a proxy forwarding to baseURL through transport, normally a
// *session.Client.
func New(transport http.RoundTripper, baseURL string, opts ...Option) (*Proxy, error) {
	if transport == nil {
		return nil, errors.New("missing transport")
	}

	upstream, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host required", baseURL)
	}

	cfg := &proxyConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// Joins the base path, e.g. /predict/ → /api/v1/predict/
			pr.SetURL(upstream)
			// Credentials come from the session, never from the local caller
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		Transport:    transport,
		ErrorHandler: errorHandler,
	}

	logger := slog.Default()

	mux := http.NewServeMux()

	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics)
	}

	mux.Handle("/", applyMiddlewares(reverseProxyHandler,
		TraceContext,
		RequestID,
		Logging(logger),
		Recovery,
	))

	return &Proxy{mux: mux}, nil
}

// errorHandler maps errors of the session transport to JSON responses.
func errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var authErr *session.AuthError
	switch {
	case errors.As(err, &authErr):
		slog.WarnContext(ctx, "request not authorized", "reason", authErr.Reason)
		writeJSONError(ctx, w, "not logged in or session expired, run `stockportal login`", authErr.Reason.Error(), http.StatusUnauthorized)
	case errors.Is(err, session.ErrBodyTooLarge):
		writeJSONError(ctx, w, "request body too large", "", http.StatusRequestEntityTooLarge)
	case errors.Is(err, session.ErrClosed):
		writeJSONError(ctx, w, "proxy is shutting down", "", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// Client went away, nobody reads the response
		slog.DebugContext(ctx, "request cancelled by client")
		w.WriteHeader(http.StatusBadGateway)
	default:
		slog.ErrorContext(ctx, "upstream request failed", "error", err)
		writeJSONError(ctx, w, "upstream request failed", "", http.StatusBadGateway)
	}
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // predictions are computed synchronously upstream
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
