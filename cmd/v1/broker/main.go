package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairplay/matchmaking/internal/v1/analytics"
	"github.com/pairplay/matchmaking/internal/v1/auth"
	"github.com/pairplay/matchmaking/internal/v1/banlist"
	"github.com/pairplay/matchmaking/internal/v1/config"
	"github.com/pairplay/matchmaking/internal/v1/health"
	"github.com/pairplay/matchmaking/internal/v1/ice"
	"github.com/pairplay/matchmaking/internal/v1/logging"
	"github.com/pairplay/matchmaking/internal/v1/match"
	"github.com/pairplay/matchmaking/internal/v1/middleware"
	"github.com/pairplay/matchmaking/internal/v1/profile"
	"github.com/pairplay/matchmaking/internal/v1/queue"
	"github.com/pairplay/matchmaking/internal/v1/ratelimit"
	"github.com/pairplay/matchmaking/internal/v1/registry"
	"github.com/pairplay/matchmaking/internal/v1/session"
	"github.com/pairplay/matchmaking/internal/v1/signaling"
	"github.com/pairplay/matchmaking/internal/v1/store"
	"github.com/pairplay/matchmaking/internal/v1/transport"
)

func main() {
	// Load .env for local development; paths cover the common working dirs.
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
		slog.Warn("No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Token validator ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && cfg.FirebaseProjectID == "" {
		slog.Warn("Development mode without FIREBASE_PROJECT_ID, auto-enabling SKIP_AUTH")
		skipAuth = true
	}

	var validator auth.TokenValidator
	if skipAuth {
		slog.Warn("Authentication DISABLED - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(context.Background(), cfg.FirebaseProjectID)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("Token validator initialized", "project", cfg.FirebaseProjectID)
		validator = v
	}

	// --- State store ---
	var storeService *store.Service
	if cfg.RedisEnabled() {
		storeService, err = store.New(cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
	} else {
		storeService, err = store.NewEmbedded()
		if err != nil {
			slog.Error("Failed to start embedded store", "error", err)
			os.Exit(1)
		}
	}

	// --- Rate limiter ---
	limiter, err := ratelimit.New(cfg.RateLimitWsIP, cfg.RateLimitJoinUser, storeService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Profile service ---
	var profiles profile.Provider
	if cfg.ProfileServiceURL != "" {
		profiles = profile.NewClient(cfg.ProfileServiceURL)
	} else {
		slog.Warn("PROFILE_SERVICE_URL not set, all users treated as free tier")
		profiles = profile.NullProvider{}
	}

	// --- Domain components ---
	sockets := registry.New(storeService)
	queueStore := queue.New(storeService)
	bans := banlist.New(storeService)
	sink := analytics.New()
	minter := ice.New(
		ice.TurnEndpoint{URL: cfg.GameTurnURL, Secret: cfg.GameTurnSecret},
		ice.TurnEndpoint{URL: cfg.VideoTurnURL, Secret: cfg.VideoTurnSecret},
	)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(transport.Deps{
		Validator:      validator,
		Store:          storeService,
		Registry:       sockets,
		Queue:          queueStore,
		Bans:           bans,
		Minter:         minter,
		Profiles:       profiles,
		Limiter:        limiter,
		AllowedOrigins: allowedOrigins,
		ServerKey:      cfg.ServerKey,
		DevMode:        cfg.DevelopmentMode,
	})

	sessions := session.New(storeService, queueStore, hub, sockets, minter, profiles, sink)
	router := signaling.New(sessions, sockets, hub)
	hub.Bind(sessions, router)

	engine := match.New(storeService, queueStore, sessions, sockets, hub)

	// --- Background loops ---
	runCtx, stopLoops := context.WithCancel(context.Background())
	hub.Run(runCtx)
	go engine.Run(runCtx)
	go sessions.RunReaper(runCtx)

	// --- HTTP server ---
	ginRouter := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	ginRouter.Use(cors.New(corsConfig))
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(middleware.CorrelationID())

	wsGroup := ginRouter.Group(strings.TrimSuffix(cfg.SocketPath, "/"))
	{
		wsGroup.GET("", hub.ServeWs)
		wsGroup.GET("/", hub.ServeWs)
	}

	ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(storeService)
	ginRouter.GET("/health", healthHandler.Root)
	ginRouter.GET("/health/live", healthHandler.Liveness)
	ginRouter.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: ginRouter,
	}

	go func() {
		slog.Info("Matchmaking broker starting", "port", cfg.Port, "socket_path", cfg.SocketPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down broker...")

	stopLoops()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := storeService.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}

	slog.Info("Broker exiting")
}
