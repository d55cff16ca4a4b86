// Package app wires the license server: configuration, logging, tracing,
// the Redis backend, the activation protocol, and the HTTP router.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"noxlic/internal/config"
	"noxlic/internal/infrastructure"
	"noxlic/internal/kv"
	"noxlic/internal/license"
	custommw "noxlic/internal/middleware"
	httptransport "noxlic/internal/transport/http"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Application owns the assembled server and its dependencies.
type Application struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  chi.Router
	server  *http.Server
	backend kv.Store

	otelShutdown func(context.Context) error
}

// New assembles the application from configuration.
func New(cfg *config.Config) (*Application, error) {
	logger := infrastructure.NewLogger(cfg.Logging)

	a := &Application{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		shutdown, err := infrastructure.InitTracing(context.Background(), "noxlic-license-server", Version)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.otelShutdown = shutdown
	}

	client, err := kv.Connect(context.Background(), cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect license backend: %w", err)
	}
	a.backend = kv.NewRedisStore(client)

	store := license.NewStore(a.backend, logger)
	protocol := license.NewProtocol(store, logger)

	a.router = a.buildRouter(protocol)
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

func (a *Application) buildRouter(protocol *license.Protocol) chi.Router {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommw.StructuredLogger(a.logger))
	r.Use(custommw.Recoverer(a.logger))

	// Metrics and health sit outside rate limiting: probes must not be
	// throttled away.
	r.Handle("/metrics", promhttp.Handler())
	healthHandler := httptransport.NewHealthHandler(a.backend, Version, a.logger)
	r.Get("/healthz", healthHandler.Check)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(chimiddleware.Timeout(a.cfg.Server.RequestTimeout))
		if a.cfg.Security.RateLimit.Enabled {
			rl := custommw.NewRateLimiter(
				a.cfg.Security.RateLimit.RPS,
				a.cfg.Security.RateLimit.Burst,
				a.logger,
			)
			r.Use(rl.Handler)
		}

		licenseHandler := httptransport.NewLicenseHandler(
			protocol, a.cfg.Security.AdminAPIKey, a.logger)
		r.Mount("/license", licenseHandler.Routes())
	})

	return r
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then shuts
// down gracefully.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("license server listening",
			slog.String("addr", a.server.Addr),
			slog.String("version", Version),
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if a.otelShutdown != nil {
			if err := a.otelShutdown(shutdownCtx); err != nil {
				a.logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("license server stopped")
	return nil
}

// Router exposes the assembled router for tests.
func (a *Application) Router() chi.Router {
	return a.router
}

// Handler builds a router over an arbitrary backend. Used by tests to run
// the full HTTP surface against the in-memory store.
func Handler(cfg *config.Config, backend kv.Store, logger *slog.Logger) chi.Router {
	a := &Application{cfg: cfg, logger: logger, backend: backend}
	store := license.NewStore(backend, logger)
	protocol := license.NewProtocol(store, logger)
	return a.buildRouter(protocol)
}

// StartupProbe verifies the backend before serving. Called from main so a
// misconfigured Redis URL fails fast instead of at first request.
func (a *Application) StartupProbe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.backend.Ping(probeCtx); err != nil {
		return fmt.Errorf("license backend unreachable: %w", err)
	}
	return nil
}
