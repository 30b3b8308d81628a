package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/stockportal/internal/proxy"
)

// App orchestrates the lifecycle of the authenticating proxy and its session.
type App struct {
	cfg     *Config
	session *Session
	proxy   *proxy.Proxy
}

// New creates a new App instance.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var (
		reg       *prometheus.Registry
		proxyOpts []proxy.Option
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		proxyOpts = append(proxyOpts, proxy.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	// Avoid a typed nil Registerer when metrics are disabled
	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}

	sess, err := NewSession(cfg, registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	proxyServer, err := proxy.New(sess.Client, cfg.API.BaseURL, proxyOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:     cfg,
		session: sess,
		proxy:   proxyServer,
	}, nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	shutdownFuncs := []func(context.Context) error{a.session.Close}

	// The proxy keeps serving after a session ends; requests fail with 401 until the next login
	stopWatching := a.session.OnEnded(func() {
		slog.WarnContext(gCtx, "session ended, run `stockportal login` to continue")
	})
	defer stopWatching()

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "address", address, "upstream", a.cfg.API.BaseURL)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		return errors.Join(fmt.Errorf("proxy startup failed: %w", err), a.session.Close(context.WithoutCancel(ctx)))
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if a.session.Credential(gCtx).IsZero() {
		slog.WarnContext(gCtx, "no stored credentials, run `stockportal login` first")
	}
	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services in reverse start order
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
