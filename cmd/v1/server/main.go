package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/couchcinema/watchparty/internal/v1/auth"
	"github.com/couchcinema/watchparty/internal/v1/bus"
	"github.com/couchcinema/watchparty/internal/v1/config"
	"github.com/couchcinema/watchparty/internal/v1/health"
	"github.com/couchcinema/watchparty/internal/v1/logging"
	"github.com/couchcinema/watchparty/internal/v1/middleware"
	"github.com/couchcinema/watchparty/internal/v1/ratelimit"
	"github.com/couchcinema/watchparty/internal/v1/room"
	"github.com/couchcinema/watchparty/internal/v1/tracing"
	"github.com/couchcinema/watchparty/internal/v1/transport"
)

const serviceName = "watchparty"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Tracing (optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(rootCtx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		slog.Info("✅ Tracing initialized", "endpoint", cfg.OTLPEndpoint)
	}

	// --- Redis Frame Relay (Optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis frame relay initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Credential stores ---
	signer := auth.NewSigner(cfg.JWTKey)
	tickets := auth.NewCheckedAuthStore()
	tickets.StartSweeper(rootCtx)

	allowedOrigins := splitOrigins(cfg.AllowedOrigins)

	var relay room.FrameRelay
	if busService != nil {
		relay = busService
	}
	hub := transport.NewHub(rootCtx, signer, tickets, relay, rateLimiter, allowedOrigins)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(rateLimiter.GlobalMiddleware())

	// Room page and static assets
	router.LoadHTMLFiles(filepath.Join(cfg.PublicDir, "room.html"))
	router.Static("/static", filepath.Join(cfg.PublicDir, "static"))

	// Routing
	roomGroup := router.Group("/room")
	{
		roomGroup.POST("/create", rateLimiter.RoomsMiddleware(), hub.CreateRoomHandler)
		roomGroup.POST("/join", rateLimiter.RoomsMiddleware(), hub.JoinRoomHandler)
		roomGroup.GET("/ws", hub.ServeWs)
		roomGroup.GET("/:id", hub.RoomPageHandler)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

// splitOrigins turns the comma-separated ALLOWED_ORIGINS value into a list,
// falling back to the local development frontend.
func splitOrigins(value string) []string {
	if value == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
