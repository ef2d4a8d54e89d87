// Package server runs the shared HTTP service lifecycle. Every cmd/
// binary hands its composition root to Run, which owns configuration,
// observability, the listener, and draining shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/voltgrid/ev-platform/internal/config"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/observability"
)

// SetupDeps is what a composition root gets to work with.
type SetupDeps struct {
	Config *config.Config
	Logger *slog.Logger
}

// CleanupFunc releases resources a setup function acquired. It runs after
// the HTTP server has drained.
type CleanupFunc func(ctx context.Context) error

// SetupFunc builds a service's routes. Both return values may be nil: a
// nil handler serves only the health endpoint.
type SetupFunc func(ctx context.Context, deps SetupDeps) (http.Handler, CleanupFunc, error)

// Params configures one service's lifecycle.
type Params struct {
	// Name identifies the service in logs, traces, and metrics.
	Name string

	// PortFromConfig extracts the service's HTTP port from config.
	PortFromConfig func(cfg *config.Config) int

	// Setup is the service composition root.
	Setup SetupFunc
}

// Run executes the service lifecycle: load config, initialize the
// observability stack, run the composition root, serve HTTP, and drain on
// SIGTERM/SIGINT. A non-nil ln overrides the configured port, which lets
// tests bind port 0.
func Run(ctx context.Context, p Params, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    p.Name,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}

	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:    p.Name,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	var handler http.Handler
	var cleanup CleanupFunc
	if p.Setup != nil {
		handler, cleanup, err = p.Setup(ctx, SetupDeps{Config: cfg, Logger: logger})
		if err != nil {
			return fmt.Errorf("%s setup: %w", p.Name, err)
		}
	}

	// Health flips to 503 while draining so load balancers stop routing
	// here before the listener closes.
	var draining atomic.Bool

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
	})
	if handler != nil {
		router.Mount("/", handler)
	}

	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	httpServer := &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening",
			slog.String("addr", ln.Addr().String()),
			slog.String("environment", cfg.Environment))
		if serveErr := httpServer.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Teardown runs in reverse startup order: HTTP first, then the
	// service's own resources, then the telemetry providers.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		draining.Store(true)
		time.Sleep(domain.ShutdownDrainDelay)

		httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer httpCancel()
		if shutdownErr := httpServer.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("http server shutdown", slog.String("error", shutdownErr.Error()))
		}

		teardownCtx, teardownCancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer teardownCancel()
		if cleanup != nil {
			if cleanupErr := cleanup(teardownCtx); cleanupErr != nil {
				logger.Error("service cleanup", slog.String("error", cleanupErr.Error()))
			}
		}
		if shutdownErr := metricsProvider.Shutdown(teardownCtx); shutdownErr != nil {
			logger.Error("metrics provider shutdown", slog.String("error", shutdownErr.Error()))
		}
		if shutdownErr := tracerProvider.Shutdown(teardownCtx); shutdownErr != nil {
			logger.Error("tracer provider shutdown", slog.String("error", shutdownErr.Error()))
		}

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
