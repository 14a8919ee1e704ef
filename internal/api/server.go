package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/config"
	"github.com/energizer-project/structprobe/internal/db"
	"github.com/energizer-project/structprobe/internal/network"
	"github.com/energizer-project/structprobe/internal/resolver"
)

// Server is the REST API server.
type Server struct {
	cfg     *config.Config
	manager *resolver.Manager

	// Optional
	history   *db.HistoryDatabase
	connector *network.Connector

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, manager *resolver.Manager) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		manager: manager,
	}
}

// SetDependencies injects the optional components. Either may be nil.
func (s *Server) SetDependencies(history *db.HistoryDatabase, connector *network.Connector) {
	s.history = history
	s.connector = connector
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.API.Listen
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Waiting resolves hold the response open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false with "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.API.RateLimitRPS).Middleware())
	router.Use(IPWhitelist(s.cfg.API.IPWhitelist))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleVersion)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg.API.Token))
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/system", s.handleSystem)

		protected.GET("/structures", s.handleListStructures)
		protected.GET("/structures/:opcode", s.handleGetStructure)

		protected.POST("/resolve/:opcode", s.handleResolve)
		protected.GET("/sessions", s.handleSessions)
		protected.GET("/sessions/current", s.handleCurrentSession)

		protected.GET("/history", s.handleHistory)
		protected.GET("/history/:id", s.handleHistorySession)

		protected.GET("/config/resolver", s.handleGetResolverConfig)
		protected.PATCH("/config/resolver", s.handlePatchResolverConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
