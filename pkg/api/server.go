package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aporia-zero/peernet/pkg/relay"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer represents the REST API server
type APIServer struct {
	// Configuration
	config *APIConfig

	// Router
	router *gin.Engine

	// Services
	services *APIServices

	// Server instance
	server   *http.Server
	listener net.Listener

	registry *prometheus.Registry
	metrics  *httpMetrics
	logger   *zap.Logger
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	AllowedOrigins []string
	EnableMetrics  bool

	// APIKey, when set, is required in the X-API-Key header of write requests.
	APIKey string

	// RateLimit is the number of requests per second allowed per client IP.
	// Zero disables the limit.
	RateLimit float64
	RateBurst int
}

// APIServices represents the services used by the API
type APIServices struct {
	NodeService NodeService
	TxService   TransactionService
}

// Service interfaces

// NodeService is implemented by *p2p.Inspector. Every call is served on the
// dispatcher and may fail once it has stopped.
type NodeService interface {
	NodeInfo(ctx context.Context) (types.NodeInfo, error)
	Peers(ctx context.Context) ([]types.PeerInfo, error)
	Connections(ctx context.Context) ([]types.ConnectionInfo, error)
}

// TransactionService is implemented by *relay.Relay.
type TransactionService interface {
	Submit(ctx context.Context, blob []byte) (common.Hash, error)
	Pending() []*relay.PoolTransaction
	Transaction(hash common.Hash) (*relay.PoolTransaction, error)
	Status() relay.PoolStatus
}

// ServerOption configures an APIServer.
type ServerOption func(*APIServer)

// WithLogger sets the logger used for request logs.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *APIServer) { s.logger = logger }
}

// WithRegistry exposes reg on /metrics and registers the HTTP metrics in it.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *APIServer) { s.registry = reg }
}

// NewAPIServer creates a new API server
func NewAPIServer(config *APIConfig, services *APIServices, opts ...ServerOption) (*APIServer, error) {
	if config == nil {
		config = DefaultAPIConfig()
	}
	if services == nil || services.NodeService == nil || services.TxService == nil {
		return nil, fmt.Errorf("api: node and transaction services are required")
	}

	// Create Gin router
	router := gin.New()

	// Create server
	server := &APIServer{
		config:   config,
		router:   router,
		services: services,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.registry == nil {
		server.registry = prometheus.NewRegistry()
	}
	metrics, err := newHTTPMetrics(server.registry)
	if err != nil {
		return nil, fmt.Errorf("registering API metrics: %w", err)
	}
	server.metrics = metrics

	// Initialize routes
	server.initializeRoutes()

	return server, nil
}

// Start binds the listener and serves in the background.
func (s *APIServer) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	// Configure HTTP server
	s.server = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("Starting API server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *APIServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the server down.
func (s *APIServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Initialize routes
func (s *APIServer) initializeRoutes() {
	// Add middleware
	s.router.Use(recoveryMiddleware(s.logger))
	s.router.Use(corsMiddleware(s.config.AllowedOrigins))
	s.router.Use(loggerMiddleware(s.logger))
	s.router.Use(metricsMiddleware(s.metrics))
	if s.config.RateLimit > 0 {
		s.router.Use(rateLimiterMiddleware(s.config.RateLimit, s.config.RateBurst))
	}

	s.router.GET("/health", s.handleHealthCheck)

	// API version group
	v1 := s.router.Group("/api/v1")
	{
		// Node endpoints
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleGetNodeInfo)
			node.GET("/peers", s.handleGetPeers)
			node.GET("/connections", s.handleGetConnections)
		}

		// Transaction endpoints
		tx := v1.Group("/tx")
		{
			tx.POST("", validationMiddleware(), authMiddleware(s.config.APIKey), s.handleSubmitTransaction)
			tx.GET("/pending", s.handleGetPendingTransactions)
			tx.GET("/status", s.handleGetPoolStatus)
			tx.GET("/:hash", s.handleGetTransaction)
		}
	}

	// Metrics endpoint
	if s.config.EnableMetrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
}

// Health check endpoint
func (s *APIServer) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// GetRouter returns the Gin router instance
func (s *APIServer) GetRouter() *gin.Engine {
	return s.router
}

// Default configuration
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		AllowedOrigins: []string{"*"},
		EnableMetrics:  true,
		RateLimit:      50,
		RateBurst:      100,
	}
}

// API error response
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// API success response
type APIResponse struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message,omitempty"`
}

// Helper function for error responses
func errorResponse(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.JSON(status, APIError{
		Code:    status,
		Message: err.Error(),
	})
}

// Helper function for success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Data: data,
	})
}
