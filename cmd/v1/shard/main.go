package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/roomkit-dev/roomkit/internal/v1/auth"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/shardproxy"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// The shard binary runs a single proxy room: clients connect here, traffic
// relays to the main room.
func main() {
	_ = godotenv.Load()

	cfg := shardproxy.Config{
		ShardID:     os.Getenv("SHARD_ID"),
		RoomID:      os.Getenv("ROOM_ID"),
		MainWSURL:   os.Getenv("MAIN_WS_URL"),
		MainHTTPURL: os.Getenv("MAIN_HTTP_URL"),
		ShardSecret: os.Getenv("SHARD_SECRET"),
	}
	port := os.Getenv("PORT")
	if cfg.ShardID == "" || cfg.RoomID == "" || cfg.MainWSURL == "" || port == "" {
		slog.Error("SHARD_ID, ROOM_ID, MAIN_WS_URL and PORT are required")
		os.Exit(1)
	}

	developmentMode := os.Getenv("DEVELOPMENT_MODE") == "true"
	if err := logging.Initialize(developmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if !developmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	proxy := shardproxy.New(ctx, cfg)
	proxy.Start()

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/parties/room/:roomId", func(c *gin.Context) {
		ws, err := transport.Upgrade(c.Writer, c.Request, allowedOrigins)
		if err != nil {
			return
		}
		privateID := c.GetHeader("X-User-ID")
		if privateID == "" {
			privateID = c.Query("userId")
		}
		proxy.AttachClient(ws, privateID, c.Query("transfer_token"))
	})

	// Everything else forwards to the main room.
	router.NoRoute(func(c *gin.Context) {
		proxy.ForwardHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		slog.Info("Shard proxy starting", "port", port, "shard_id", cfg.ShardID, "room_id", cfg.RoomID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down shard proxy...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	proxy.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Shard proxy exiting")
}
