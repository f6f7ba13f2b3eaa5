package server

import (
	"context"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zengateway/config"
	"zengateway/internal/format"
	"zengateway/internal/requestlog"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   int64  // Max request body size in bytes (default: 10MB)

	// RequestLog receives one entry per gateway call. Nil disables it.
	RequestLog requestlog.LoggerInterface
}

// New creates a new HTTP server
func New(gw CallHandler, models ModelLister, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	e := echo.New()
	e.HideBanner = true

	handler := NewHandler(gw, models)

	metricsPath := "/metrics"
	if cfg.MetricsEnabled && cfg.MetricsEndpoint != "" {
		// Normalize path to prevent traversal attacks
		metricsPath = path.Clean(cfg.MetricsEndpoint)
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())

	bodySizeLimit := config.DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	e.Use(RequestContext())

	reqLog := cfg.RequestLog
	if reqLog == nil {
		reqLog = &requestlog.NoopLogger{}
	}
	e.Use(requestlog.Middleware(reqLog))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// Gateway routes, one per caller format
	e.GET("/v1/models", handler.ListModels)
	e.POST("/v1/messages", handler.Proxy(format.Anthropic))
	e.POST("/v1/responses", handler.Proxy(format.OpenAI))
	e.POST("/v1/chat/completions", handler.Proxy(format.OpenAICompatible))

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
