package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/roomkit-dev/roomkit/internal/v1/auth"
	"github.com/roomkit-dev/roomkit/internal/v1/bus"
	"github.com/roomkit-dev/roomkit/internal/v1/config"
	"github.com/roomkit-dev/roomkit/internal/v1/demo"
	"github.com/roomkit-dev/roomkit/internal/v1/health"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/middleware"
	"github.com/roomkit-dev/roomkit/internal/v1/ratelimit"
	"github.com/roomkit-dev/roomkit/internal/v1/room"
	"github.com/roomkit-dev/roomkit/internal/v1/storage"
	"github.com/roomkit-dev/roomkit/internal/v1/tracing"
	"github.com/roomkit-dev/roomkit/internal/v1/world"
)

func main() {
	// Load .env for local development; paths cover the different ways the
	// binary gets run.
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
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	// --- Tracing (optional) ---
	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "roomkit", collector)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Storage ---
	// One store per world; rooms get per-room namespaces under it.
	var (
		worldStore  storage.Store
		redisClient *redis.Client
	)
	if cfg.RedisEnabled {
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, "roomkit:"+cfg.WorldID+":")
		if err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory storage", "error", err)
			worldStore = storage.NewMemoryStore()
		} else {
			worldStore = rs
			redisClient = rs.Client()
			slog.Info("✅ Redis storage initialized", "addr", cfg.RedisAddr)
		}
	} else {
		worldStore = storage.NewMemoryStore()
		slog.Info("Running with in-memory storage (Redis disabled)")
	}

	busService := bus.NewService(redisClient)
	if busService != nil {
		slog.Info("✅ Redis pub/sub initialized for cross-replica fanout")
	}

	// --- Auth ---
	hs256 := auth.NewHS256Validator(cfg.JWTSecret)
	var validator auth.TokenValidator = hs256
	if cfg.JWKSDomain != "" {
		jwks, err := auth.NewJWKSValidator(ctx, cfg.JWKSDomain, cfg.JWKSAudience)
		if err != nil {
			slog.Error("Failed to initialize JWKS validator, using shared-secret only", "error", err)
		} else {
			validator = auth.ChainValidator{hs256, jwks}
			slog.Info("✅ JWKS validator initialized", "domain", cfg.JWKSDomain)
		}
	}

	// --- Rate limiting ---
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Rooms ---
	replicaID := uuid.NewString()
	namespacer := func(roomID string) storage.Store {
		return storage.NewPrefixStore(worldStore, "room:"+roomID+":")
	}

	mgr := room.NewManager(ctx, room.Blueprint{
		Config: room.Config{
			ThrottleSync:    cfg.ThrottleSync,
			ThrottleStorage: cfg.ThrottleStorage,
			SessionExpiry:   cfg.SessionExpiry,
		},
		Hibernate: true,
		NewLogic:  demo.NewLogic,
	}, worldStore, namespacer, busService, replicaID, cfg.RoomCleanupGrace)

	// --- World registry ---
	registry := world.New(ctx, cfg.WorldID, cfg.ShardURLTemplate, worldStore)
	if err := registry.Start(ctx); err != nil {
		slog.Error("Failed to start world registry", "error", err)
		os.Exit(1)
	}

	// --- HTTP surface ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("roomkit"))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-User-ID", auth.ShardSecretHeader)
	router.Use(cors.New(corsConfig))

	router.Use(limiter.GlobalMiddleware())

	gateway := room.NewGateway(mgr, limiter, allowedOrigins, cfg.ShardSecret)
	gateway.RegisterRoutes(router)

	worldSvc := world.NewService(registry, mgr, validator, cfg.ShardSecret)
	worldSvc.RegisterRoutes(router, limiter.AdminMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	health.NewChecker(worldStore, busService).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.Port, "world_id", cfg.WorldID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during room shutdown", "error", err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		slog.Error("Error during world registry shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		}
	} else if err := worldStore.Close(); err != nil {
		slog.Error("Failed to close storage", "error", err)
	}

	slog.Info("Server exiting")
}
