// Package server wires the HTTP routes and runs the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SohamPatel46/performance/internal/core/config"
	"github.com/SohamPatel46/performance/internal/core/health"
	middleware "github.com/SohamPatel46/performance/internal/core/middleware"
	"github.com/SohamPatel46/performance/internal/core/router"
)

// Deps holds what the routes call into. Consumer is nil when the purge consumer is
// disabled.
type Deps struct {
	Service        router.Service
	Store          health.Pinger
	Consumer       health.ReadinessReporter
	Metrics        http.Handler
	MetricsPath    string
	MaxBodyBytes   int64
	AllowedOrigins string
}

func NewHandler(logger *slog.Logger, d Deps) http.Handler {
	h := router.New(logger, d.Service, d.MaxBodyBytes)

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(d.AllowedOrigins))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Store, d.Consumer))
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	r.Post("/url-metrics", h.StoreURLMetric)
	r.Get("/url-metrics", h.GetURLMetrics)
	r.Delete("/url-metrics", h.DeleteURLMetrics)
	r.Post("/optimize", h.Optimize)
	return r
}

// Run serves until ctx is canceled, then drains in-flight requests.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
