// Package main provides the CodeAssist relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/format"
	"github.com/mkalpine/codeassist-relay/internal/httpfetch"
	"github.com/mkalpine/codeassist-relay/internal/modules"
	"github.com/mkalpine/codeassist-relay/internal/pool"
	"github.com/mkalpine/codeassist-relay/internal/server"
	"github.com/mkalpine/codeassist-relay/internal/shaper"
	"github.com/mkalpine/codeassist-relay/internal/telemetry"
	"github.com/mkalpine/codeassist-relay/internal/utils"
	"github.com/mkalpine/codeassist-relay/pkg/redis"
)

func main() {
	var (
		debugMode bool
		port      int
		host      string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" {
		debugMode = true
	}
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = config.DefaultPort
	}
	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = "0.0.0.0"
	}

	utils.SetDebug(debugMode)

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = debugMode

	// Optional Redis backend for the signature cache
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			utils.Warn("[Startup] Redis unavailable, using in-memory signature cache: %v", err)
		} else {
			redisClient = client
			utils.Info("[Startup] Connected to Redis at %s", cfg.RedisAddr)
		}
	}
	signatureCache := format.NewSignatureCache(redisClient)

	// Account pool over the on-disk registry
	store := pool.NewStore("")
	tokens := pool.NewTokenManager()
	accountPool := pool.NewPool(store, tokens)
	if err := accountPool.Load(); err != nil {
		utils.Error("[Startup] Failed to load accounts: %v", err)
		os.Exit(1)
	}
	if accountPool.Count() == 0 {
		utils.Warn("[Startup] No accounts configured. Run codeassist-accounts add first.")
	}

	// Settings from the accounts file override the defaults
	cfg.ApplySettings(accountPool.Settings())
	cfg.ApplyEnv()

	// Forwarding pipeline
	trafficShaper := shaper.New(cfg.ShaperMinDelayMs, cfg.ShaperJitterMs)
	fetcher := httpfetch.NewThrottledFetcher(cfg)

	// Telemetry heartbeats
	heartbeat := telemetry.NewLoop(cfg)
	heartbeat.Initialize(accountPool, fetcher)

	// Usage stats
	usageStats := modules.NewUsageStats("")
	usageStats.Initialize()

	srv := server.New(cfg, accountPool, trafficShaper, fetcher, signatureCache, usageStats, server.Options{
		Debug: debugMode,
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	printBanner(host, port, accountPool, cfg)

	go func() {
		if err := srv.Run(addr); err != nil {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	heartbeat.Shutdown()
	usageStats.Shutdown()
	trafficShaper.Close()

	if err := srv.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
}

func printBanner(host string, port int, p *pool.Pool, cfg *config.Config) {
	stats := p.GetStats()

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Printf("║            CodeAssist Relay v%-6s                           ║\n", config.Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Listening on: http://%s:%-6d                         ║\n", displayHost, port)
	fmt.Printf("║  Accounts: %d total, %d active, %d limited                      ║\n", stats.Total, stats.Active, stats.Limited)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages                 Anthropic Messages API  ║")
	fmt.Println("║    POST /v1beta/models/<m>:generateContent   Gemini dialect  ║")
	fmt.Println("║    GET  /v1/models                   List available models   ║")
	fmt.Println("║    GET  /health                      Health check            ║")
	fmt.Println("║    GET  /account-limits              Account status & quotas ║")
	fmt.Println("║    GET  /api/stats/history           Usage history           ║")
	fmt.Println("║                                                              ║")
	if cfg.APIKey != "" {
		fmt.Println("║  API key authentication: enabled                             ║")
	} else {
		fmt.Println("║  API key authentication: disabled (no key configured)        ║")
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
