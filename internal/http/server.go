// Package http serves the run status endpoint: health, a JSON summary of
// the result store and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/monitor"
	"github.com/fyrsmithlabs/refine/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource produces the current store summary.
type StatusSource interface {
	Summary() (monitor.Summary, error)
}

// StoreSource summarises the store file at Path on every call.
type StoreSource struct {
	Path     string
	Switches evaluation.Switches
}

// Summary implements StatusSource.
func (s StoreSource) Summary() (monitor.Summary, error) {
	entries, err := store.Read(s.Path)
	if err != nil {
		return monitor.Summary{}, err
	}
	return monitor.Summarize(entries, s.Switches), nil
}

// Server provides the status endpoints.
type Server struct {
	echo     *echo.Echo
	source   StatusSource
	logger   *logging.Logger
	config   config.ServerConfig
	registry *prometheus.Registry
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Status  string           `json:"status"`
	Summary *monitor.Summary `json:"summary,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// NewServer creates a status server. metrics may be nil.
func NewServer(cfg config.ServerConfig, source StatusSource, logger *logging.Logger, metrics *HTTPMetrics) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("status source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewStoreCollector(source),
		collectors.NewGoCollector(),
	)

	s := &Server{
		echo:     e,
		source:   source,
		logger:   logger,
		config:   cfg,
		registry: registry,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

// Echo exposes the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	sum, err := s.source.Summary()
	if err != nil {
		s.logger.Warn(c.Request().Context(), "status summary failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, StatusResponse{Status: "degraded", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok", Summary: &sum})
}

// Serve listens on the configured address until ctx ends, then shuts down
// within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting status server", zap.String("addr", s.config.StatusAddr))
		if err := s.echo.Start(s.config.StatusAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down status server")
	return s.echo.Shutdown(ctx)
}
