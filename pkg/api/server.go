// Package api is the management HTTP surface: queue inspection and
// mutation, worker liveness, health and metrics. It never executes
// jobs; every route is a thin translation onto the storage interfaces.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marketpulse/pkg/api/middleware"
	"marketpulse/pkg/auth"
	"marketpulse/pkg/logger"
	tracing "marketpulse/pkg/observability"
	"marketpulse/pkg/storage"
)

// maxBodyBytes bounds request bodies; the largest legitimate body is an
// enqueue payload, capped server-side at storage.MaxPayloadBytes.
const maxBodyBytes = 256 << 10

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	queue   storage.JobQueue
	workers storage.WorkerRegistry
	pinger  func(ctx context.Context) error
}

// Config holds API server configuration.
type Config struct {
	Port    string
	Queue   storage.JobQueue
	Workers storage.WorkerRegistry
	// Pinger checks database connectivity for /health.
	Pinger func(ctx context.Context) error

	JWTService *auth.JWTService
	APIKeys    auth.APIKeyStore

	RateLimitRPS   float64
	RateLimitBurst int
	TracingEnabled bool
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger())
	if cfg.TracingEnabled {
		router.Use(middleware.TracingMiddleware("marketpulse-api"))
	}
	router.Use(middleware.RateLimitMiddlewareWithConfig(middleware.RateLimiterConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   5 * time.Minute,
	}))
	router.Use(middleware.BodySizeLimitMiddleware(maxBodyBytes))

	s := &Server{
		router:  router,
		log:     logger.Get().Named("api"),
		queue:   cfg.Queue,
		workers: cfg.Workers,
		pinger:  cfg.Pinger,
	}

	s.registerRoutes(cfg)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(cfg Config) {
	// Unauthenticated probes
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := middleware.AuthMiddleware(middleware.AuthConfig{
		JWTService:  cfg.JWTService,
		APIKeyStore: cfg.APIKeys,
	})

	v1 := s.router.Group("/api/v1", authed, middleware.RequireJSONMiddleware())
	{
		queue := v1.Group("/queue")
		{
			queue.GET("/stats", middleware.RequireRole(auth.RoleViewer), s.queueStats)
			queue.POST("/pause", middleware.RequireRole(auth.RoleOperator), s.pauseQueue)
			queue.POST("/resume", middleware.RequireRole(auth.RoleOperator), s.resumeQueue)
			queue.POST("/clear", middleware.RequireRole(auth.RoleAdmin), s.clearQueue)

			jobs := queue.Group("/jobs")
			{
				jobs.GET("", middleware.RequireRole(auth.RoleViewer), s.listJobs)
				jobs.GET("/:id", middleware.RequireRole(auth.RoleViewer), s.getJob)
				jobs.POST("", middleware.RequireRole(auth.RoleAdmin), s.enqueueJob)
				jobs.POST("/:id/retry", middleware.RequireRole(auth.RoleOperator), s.retryJob)
				jobs.POST("/:id/cancel", middleware.RequireRole(auth.RoleOperator), s.cancelJob)
				jobs.POST("/:id/reset", middleware.RequireRole(auth.RoleOperator), s.resetJob)
				jobs.DELETE("/:id", middleware.RequireRole(auth.RoleAdmin), s.deleteJob)
			}
		}

		v1.GET("/workers", middleware.RequireRole(auth.RoleViewer), s.listWorkers)
	}
}

// requestLogger logs each request with its ID and trace correlation.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		}
		if traceID := tracing.TraceID(c.Request.Context()); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		if token := c.GetHeader(middleware.ClientTokenHeaderKey); token != "" {
			fields = append(fields, zap.String("client_token", token))
		}

		log := logger.Get().Named("api")
		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
		} else {
			log.Info("request", fields...)
		}
	}
}

// healthCheck reports database reachability. Degraded means the process
// is up but cannot serve queue state.
func (s *Server) healthCheck(c *gin.Context) {
	deps := make(map[string]bool)

	dbOK := s.pinger != nil
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		dbOK = s.pinger(ctx) == nil
	}
	deps["postgres"] = dbOK

	status := "healthy"
	httpStatus := http.StatusOK
	if !dbOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
