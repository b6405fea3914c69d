// Package server assembles the gin engine and the HTTP surface of the
// gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apirelay/apirelay/internal/authz"
	"github.com/apirelay/apirelay/internal/cache"
	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/dispatch"
	"github.com/apirelay/apirelay/internal/health"
	"github.com/apirelay/apirelay/internal/middleware"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/util"
)

// Server is the gateway HTTP front end.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server

	dispatcher *dispatch.Dispatcher
	checker    *health.Checker
	cache      *cache.Tiered
	parser     *authz.TokenParser
	limiter    *middleware.ClientLimiter
	logger     observability.Logger

	services map[string]struct{}
}

// Option is a functional option for the server.
type Option func(*Server)

// WithCache enables the cache administration endpoint.
func WithCache(tiered *cache.Tiered) Option {
	return func(s *Server) {
		s.cache = tiered
	}
}

// WithTokenParser enables bearer token authentication.
func WithTokenParser(parser *authz.TokenParser) Option {
	return func(s *Server) {
		s.parser = parser
	}
}

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New assembles the engine, middleware chain, and routes.
func New(
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	checker *health.Checker,
	opts ...Option,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		engine:     gin.New(),
		dispatcher: dispatcher,
		checker:    checker,
		logger:     observability.NopLogger(),
		services:   make(map[string]struct{}, len(cfg.Services)),
	}
	for _, svc := range cfg.Services {
		s.services[svc.Name] = struct{}{}
	}

	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(middleware.Recovery(s.logger))
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.AccessLogWithConfig(middleware.AccessLogConfig{
		Logger:    s.logger,
		SkipPaths: []string{"/health/live", "/health/ready", "/metrics"},
	}))
	if cfg.RateLimit.Enabled {
		s.limiter = middleware.NewClientLimiter(cfg.RateLimit)
		s.engine.Use(middleware.RateLimit(s.limiter, s.logger))
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/api/translate", s.handleTranslate)
	s.engine.Any("/services/:service/*path", s.handleDirect)

	s.engine.GET("/health/live", s.handleLiveness)
	s.engine.GET("/health/ready", s.handleReadiness)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.DELETE("/cache/:service", s.handleCacheInvalidate)

	s.engine.NoRoute(func(c *gin.Context) {
		status, body := dispatch.NewErrorBody(
			util.ErrRouteNotFound, c.Request.URL.Path)
		c.JSON(status, body)
	})
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. It blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening",
		observability.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops background work.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.httpServer.Shutdown(ctx)
}
