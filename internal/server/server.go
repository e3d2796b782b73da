// Package server wires the scoring pipeline, live monitor and realtime hub
// behind the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/ingest"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/monitor"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/webhooks"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// Server is the fraudwatch API server
type Server struct {
	cfg         *config.Config
	pipeline    *Pipeline
	monitor     *monitor.Monitor
	hub         *realtime.Hub
	alerts      *webhooks.Dispatcher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	pipelineOpts  PipelineOptions
	shutdownDelay time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithScorer replaces the model-backed scorer (for testing)
func WithScorer(sc scoring.Scorer) Option {
	return func(s *Server) {
		s.pipelineOpts.Scorer = sc
	}
}

// WithStore replaces the configured store (for testing)
func WithStore(st transactions.Store) Option {
	return func(s *Server) {
		s.pipelineOpts.Store = st
	}
}

// WithShutdownDelay sets how long Shutdown waits for load balancers to
// drain before closing listeners.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        slog.Default(),
		shutdownDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	p, err := NewPipeline(ctx, cfg, s.logger, s.pipelineOpts)
	if err != nil {
		return nil, err
	}
	s.pipeline = p

	if err := p.SelfTest(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("scorer self-test failed: %w", err)
	}

	// Create realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)
	p.Ingest.WithPublisher(s.hub)

	s.alerts = webhooks.NewDispatcher(cfg.AlertWebhookURLs, cfg.AlertWebhookSecret, logging.Component(s.logger, "alerts"))

	s.monitor = monitor.New(p.Window, p.Store, logging.Component(s.logger, "monitor")).
		WithSource(monitor.Source(cfg.MonitorSource)).
		WithInterval(cfg.PollInterval).
		WithTableRows(cfg.MonitorTableRows).
		WithCriticalThreshold(cfg.RiskCriticalThreshold).
		AddSink(monitor.PublishSink(s.hub)).
		AddSink(monitor.MetricsSink()).
		AddSink(monitor.NewLogSink(logging.Component(s.logger, "monitor"))).
		AddSink(webhooks.NewAlertSink(s.alerts))
	s.logger.Info("live monitor configured",
		"source", cfg.MonitorSource,
		"interval", cfg.PollInterval,
		"window", p.Window.Capacity(),
		"alert_webhooks", len(cfg.AlertWebhookURLs),
	)

	s.health = health.NewRegistry()
	if p.DB != nil {
		s.health.Register("database", health.Ping("database", p.DB))
	}
	s.health.Register("scorer", health.Probe("scorer", p.SelfTest))
	s.health.Register("monitor", health.Flag("monitor", s.monitor.Running, "monitor loop not running"))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	rlCfg.BurstSize = s.cfg.RateLimitBurst
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (from load balancer, replay driver) when it is log-safe
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.Valid(requestID) {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live transaction and monitor frame stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	ingestHandler := ingest.NewHandler(s.pipeline.Ingest)
	ingestHandler.RegisterCompatRoutes(s.router)

	v1 := s.router.Group("/v1")
	ingestHandler.RegisterRoutes(v1)
	monitor.NewHandler(s.monitor).RegisterRoutes(v1)
	webhooks.NewHandler(s.alerts).RegisterRoutes(v1)
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start live monitor
	go s.monitor.Start(runCtx)

	// Sample connection pool stats
	if s.pipeline.DB != nil {
		go metrics.StartDBStatsCollector(runCtx, s.pipeline.DB, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.monitor.Stop()
		s.rateLimiter.Stop()
		_ = s.pipeline.Close()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, monitor, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.monitor.Stop()
	s.logger.Info("monitor stopped")

	alertCtx, alertCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.alerts.Wait(alertCtx); err != nil {
		s.logger.Warn("pending risk alerts abandoned", "error", err)
	}
	alertCancel()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close the store and its connection pool
	if err := s.pipeline.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	} else {
		s.logger.Info("store closed")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Pipeline returns the wired scoring pipeline.
func (s *Server) Pipeline() *Pipeline {
	return s.pipeline
}

// Monitor returns the live monitor.
func (s *Server) Monitor() *monitor.Monitor {
	return s.monitor
}
