package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/axonhive/axonhive-backend/internal/worker/capabilities"
	"github.com/axonhive/axonhive-backend/internal/worker/coordinator"
	"github.com/axonhive/axonhive-backend/pkg/logging"
	"github.com/axonhive/axonhive-backend/pkg/paygate"
)

// Server is the worker's HTTP surface: the manifest, the authorization
// push endpoint, proof/result pickup, and the direct paid inference path.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     logging.Logger
}

// Config holds the server configuration
type Config struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
}

// Dependencies holds the server dependencies
type Dependencies struct {
	Logger        logging.Logger
	Gate          *paygate.Gate
	Coordinator   *coordinator.Coordinator
	Registry      *capabilities.Registry
	WorkerAddress common.Address
	Endpoint      string
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Direct inference blocks on the capability itself.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = 1 << 20 // 1MB
	}

	router := gin.New()

	srv := &Server{
		router: router,
		logger: deps.Logger,
		httpServer: &http.Server{
			Addr:           fmt.Sprintf(":%s", cfg.Port),
			Handler:        cors.AllowAll().Handler(router),
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
	}

	srv.setupMiddleware()
	srv.setupRoutes(deps)

	return srv
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
}

func (s *Server) setupRoutes(deps Dependencies) {
	handler := NewHandler(deps)

	s.router.GET("/manifest", handler.Manifest)
	s.router.POST("/authorize/:taskId", handler.Authorize)
	s.router.GET("/proof/:taskId", handler.Proof)
	s.router.GET("/result/:taskId", handler.Result)
	s.router.GET("/task/:taskId", handler.TaskStatus)
	s.router.GET("/health", handler.Health)
	s.router.GET("/metrics", handler.Metrics)

	// Direct inference bypasses escrow: the caller pays per request
	// through the 402 gate instead.
	paid := s.router.Group("/", deps.Gate.Middleware())
	paid.POST("/inference/:serviceId", handler.Inference)
}
