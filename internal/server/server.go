package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/format"
	"github.com/mkalpine/codeassist-relay/internal/httpfetch"
	"github.com/mkalpine/codeassist-relay/internal/modules"
	"github.com/mkalpine/codeassist-relay/internal/pool"
	"github.com/mkalpine/codeassist-relay/internal/server/handlers"
	"github.com/mkalpine/codeassist-relay/internal/shaper"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// Server is the HTTP front of the relay.
type Server struct {
	engine *gin.Engine
	cfg    *config.Config
	pool   *pool.Pool
	usage  *modules.UsageStats
	relay  *handlers.Relay
	srv    *http.Server
}

// Options holds server construction options
type Options struct {
	Debug bool
}

// New wires the server over its collaborators. All dependencies are
// constructed by the caller and passed in.
func New(cfg *config.Config, p *pool.Pool, sh *shaper.Shaper, fetcher httpfetch.Fetcher, cache *format.SignatureCache, usage *modules.UsageStats, opts Options) *Server {
	if opts.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine: engine,
		cfg:    cfg,
		pool:   p,
		usage:  usage,
		relay:  handlers.NewRelay(p, sh, fetcher, cache, usage),
	}
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(RequestLoggingMiddleware())

	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	messagesHandler := handlers.NewMessagesHandler(s.relay)
	modelsHandler := handlers.NewModelsHandler(s.relay)
	accountsHandler := handlers.NewAccountsHandler(s.pool)

	s.engine.GET("/health", accountsHandler.Health)
	s.engine.GET("/account-limits", accountsHandler.AccountLimits)

	accounts := s.engine.Group("/accounts")
	{
		accounts.POST("/:email/fingerprint/regenerate", accountsHandler.RegenerateFingerprint)
		accounts.POST("/:email/fingerprint/restore", accountsHandler.RestoreFingerprint)
		accounts.POST("/:email/enabled", accountsHandler.SetEnabled)
	}

	api := s.engine.Group("/api")
	s.usage.SetupRoutes(api)

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages", messagesHandler.Messages)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
	}

	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(APIKeyAuthMiddleware(s.cfg))
	{
		// matches models/<model>:generateContent
		v1beta.POST("/models/*modelAction", messagesHandler.GenerateContent)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(addr string) error {
	s.SetupRoutes()

	utils.Info("[Server] Starting on %s", addr)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-running generate calls
		IdleTimeout:  120 * time.Second,
	}

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Engine returns the Gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
