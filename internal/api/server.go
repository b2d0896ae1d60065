package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apimiddleware "github.com/atharva0608/final-ml-sub000/internal/api/middleware"
	"github.com/atharva0608/final-ml-sub000/internal/pricing"
	"github.com/atharva0608/final-ml-sub000/internal/sentinel"
	"github.com/atharva0608/final-ml-sub000/internal/store"
)

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	ShutdownTimeout time.Duration
	MaxBodySize     string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ShutdownTimeout: 10 * time.Second,
		MaxBodySize:     "1M",
	}
}

// Server represents the HTTP API server
type Server struct {
	echo     *echo.Echo
	config   *ServerConfig
	store    *store.Store
	pipeline *pricing.Pipeline
	sentinel *sentinel.Sentinel
}

// NewServer creates a new API server
func NewServer(
	config *ServerConfig,
	store *store.Store,
	pipeline *pricing.Pipeline,
	snt *sentinel.Sentinel,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Disable Echo's default logger, we'll use our own
	e.Logger.SetOutput(io.Discard)

	// Set custom validator
	e.Validator = NewValidator()

	s := &Server{
		echo:     e,
		config:   config,
		store:    store,
		pipeline: pipeline,
		sentinel: snt,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware stack
func (s *Server) setupMiddleware() {
	// Recover from panics
	s.echo.Use(middleware.Recover())

	// Request ID for tracing
	s.echo.Use(middleware.RequestID())

	// Logging middleware
	s.echo.Use(apimiddleware.Logger())

	// Body limit
	s.echo.Use(middleware.BodyLimit(s.config.MaxBodySize))

	// Timeout middleware
	s.echo.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: 30 * time.Second,
	}))
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health check
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/ready", s.readyCheck)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")

	// Agent lifecycle routes
	agentHandler := NewAgentHandler(s.store)
	agentsGroup := v1.Group("/agents")
	agentsGroup.POST("/register", agentHandler.Register)
	agentsGroup.GET("/:id", agentHandler.Get)
	agentsGroup.POST("/:id/heartbeat", agentHandler.Heartbeat)
	agentsGroup.PATCH("/:id/config", agentHandler.UpdateConfig)
	agentsGroup.GET("/:id/replicas", agentHandler.ListReplicas)
	agentsGroup.POST("/:id/replicas/:replica_id/sync", agentHandler.ReportReplicaSync)

	// Command queue routes. Agents poll for work and report results.
	commandHandler := NewCommandHandler(s.store)
	agentsGroup.GET("/:id/commands", commandHandler.Poll)
	v1.POST("/commands/:id/result", commandHandler.ReportResult)

	// Pricing routes
	pricingHandler := NewPricingHandler(s.pipeline)
	v1.POST("/pricing", pricingHandler.Ingest)
	v1.GET("/pricing/:instance_type/:region/:az", pricingHandler.Read)

	// Interruption signal intake
	signalHandler := NewSignalHandler(s.sentinel)
	v1.POST("/signals", signalHandler.Handle)

	// Event history
	eventHandler := NewEventHandler(s.store)
	v1.GET("/events", eventHandler.List)
}

// healthCheck returns basic health status
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// readyCheck checks if server is ready to handle requests
func (s *Server) readyCheck(c echo.Context) error {
	// Check database connection
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "database unavailable",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance for testing
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
