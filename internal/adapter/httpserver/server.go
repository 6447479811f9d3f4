// Package httpserver exposes channel discovery, the viewer websocket route,
// health probes and metrics over echo.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/domain"
	"github.com/pscheid92/logcast/internal/platform/config"
)

// ChannelDirectory lists the channels known to the registry.
type ChannelDirectory interface {
	List() []domain.ChannelInfo
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	channels      ChannelDirectory
	viewerHandler echo.HandlerFunc

	metricsHandler http.Handler
	httpMetrics    *metrics.HTTPMetrics
	healthChecks   []HealthCheck
	apiLimits      map[string]RateLimit

	clock     clockwork.Clock
	startTime time.Time
}

type Option func(*Server)

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) {
		s.healthChecks = append(s.healthChecks, checks...)
	}
}

// WithMetrics serves handler on /metrics and records request metrics into m.
func WithMetrics(handler http.Handler, m *metrics.HTTPMetrics) Option {
	return func(s *Server) {
		s.metricsHandler = handler
		s.httpMetrics = m
	}
}

// WithAPIRateLimits overrides the per-route limits for the /api routes.
func WithAPIRateLimits(limits map[string]RateLimit) Option {
	return func(s *Server) {
		s.apiLimits = limits
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

func NewServer(cfg *config.Config, channels ChannelDirectory, viewerHandler echo.HandlerFunc, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:          e,
		config:        cfg,
		channels:      channels,
		viewerHandler: viewerHandler,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.startTime = srv.clock.Now()

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
