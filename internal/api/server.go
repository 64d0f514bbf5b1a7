// Package api exposes the signal engine to reporting and review
// collaborators over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/metrics"
	"github.com/ae-signal-engine/internal/middleware"
	"github.com/ae-signal-engine/internal/review"
	"github.com/ae-signal-engine/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	service       *service.SignalService
	reviews       review.Store
	logger        *logrus.Logger
	results       *service.ResultCache
	router        *gin.Engine
	server        *http.Server
}

// NewServer creates a new HTTP server instance. reviews may be nil, in which
// case the review endpoints answer 503.
func NewServer(configManager domain.ConfigManager, svc *service.SignalService, reviews review.Store, logger *logrus.Logger) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	// Combination products such as AMOXICILLIN/CLAVULANATE arrive as %2F
	// inside one path segment.
	router.UseRawPath = true
	router.UnescapePathValues = true

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.RateLimit(middleware.NewClientLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitBurst)))

	server := &Server{
		configManager: configManager,
		service:       svc,
		reviews:       reviews,
		logger:        logger,
		results:       service.NewResultCache(svc),
		router:        router,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/ingestion", s.handleGetIngestion)
		v1.POST("/ingestion", s.handleReingest)

		v1.GET("/signals", s.handleListSignals)
		v1.GET("/signals/:drug/:reaction", s.handleGetSignal)
		v1.GET("/signals/:drug/:reaction/clusters", s.handleClusterSignal)
		v1.GET("/signals/:drug/:reaction/trend", s.handleSignalTrend)

		v1.GET("/duplicates", s.handleListDuplicates)
		v1.GET("/duplicates/reviews", s.handleListReviews)
		v1.POST("/duplicates/reviews", s.handleSaveReview)
		v1.GET("/duplicates/reviews/:group", s.handleGetReview)

		v1.GET("/runs/:id", s.handleGetRun)
		v1.GET("/runs/:id/signals", s.handleListRunSignals)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"dataset":   gin.H{"loaded": false},
	}
	if snap, err := s.service.Current(); err == nil {
		body["dataset"] = gin.H{
			"loaded":    true,
			"version":   snap.Dataset.Version(),
			"cases":     snap.Dataset.TotalCases(),
			"loaded_at": snap.LoadedAt,
		}
	}
	c.JSON(http.StatusOK, body)
}
