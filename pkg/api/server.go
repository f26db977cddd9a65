// Package api provides the HTTP status and management API of a party node
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/metrics"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
	"github.com/ZentaChain/zentalk-replicator/pkg/swarm"
)

// Swarm is the part of the network node the API reports on
type Swarm interface {
	Info() swarm.NodeInfo
	Join(p *party.Party) error
	Leave(p *party.Party)
}

// Server represents the HTTP API server
type Server struct {
	manager    *party.Manager
	node       Swarm
	feeds      *feed.Storage
	router     *gin.Engine
	config     *Config
	limiter    *RateLimiter
	httpServer *http.Server
	logger     zerolog.Logger
	startedAt  time.Time
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	CorsOrigins  []string
	RateLimit    int // requests per minute, 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zerolog.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8480,
		EnableCORS:   true,
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the API. node and feeds may be nil; their endpoints then answer 503.
func NewServer(manager *party.Manager, node Swarm, feeds *feed.Storage, config *Config) (*Server, error) {
	if manager == nil {
		return nil, errors.New("api server needs a party manager")
	}
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)

	logger := logging.Logger("api")
	if config.Logger != nil {
		logger = *config.Logger
	}

	s := &Server{
		manager:   manager,
		node:      node,
		feeds:     feeds,
		router:    gin.New(),
		config:    config,
		logger:    logger,
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())

	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware(s.config.CorsOrigins))
	}

	if s.config.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.logger))
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
		}

		parties := v1.Group("/parties")
		{
			parties.GET("", s.handleListParties)
			parties.POST("", s.handleCreateParty)
			parties.GET("/:discoveryKey", s.handleGetParty)
			parties.DELETE("/:discoveryKey", s.handleDeleteParty)
			parties.GET("/:discoveryKey/peers", s.handlePartyPeers)
		}

		v1.GET("/feeds", s.handleFeeds)
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler exposes the router, mainly for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server starting")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		s.stopLimiter()
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.stopLimiter()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) stopLimiter() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
