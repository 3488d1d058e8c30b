// Package ratelimit implements rate limiting using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/config"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
)

// RateLimiter holds the limiter instances guarding the HTTP and WebSocket
// surfaces.
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	apiAdmin  *limiter.Limiter
	wsIP      *limiter.Limiter
	store     limiter.Store
	enabled   bool
}

// NewRateLimiter creates limiters from the configured rate formats. A nil
// redisClient falls back to an in-process memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	apiAdminRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIAdmin)
	if err != nil {
		return nil, fmt.Errorf("invalid API admin rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal: limiter.New(store, apiGlobalRate),
		apiAdmin:  limiter.New(store, apiAdminRate),
		wsIP:      limiter.New(store, wsIPRate),
		store:     store,
		enabled:   !cfg.DevelopmentMode,
	}, nil
}

// GlobalMiddleware enforces the per-IP API rate limit.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.apiGlobal, "global")
}

// AdminMiddleware enforces the tighter limit on administrative endpoints.
func (rl *RateLimiter) AdminMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.apiAdmin, "admin")
}

func (rl *RateLimiter) middlewareFor(l *limiter.Limiter, kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil || !rl.enabled {
			c.Next()
			return
		}

		key := kind + ":" + c.ClientIP()
		lctx, err := l.Get(c.Request.Context(), key)
		if err != nil {
			// Limiter store failure should not take the API down.
			logging.Error(c.Request.Context(), "rate limiter store error", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))

		if lctx.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}

// CheckWebSocket applies the per-IP connect limit before upgrading. It writes
// the 429 response itself and returns false when the caller must stop.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if rl == nil || !rl.enabled {
		return true
	}

	key := "ws:" + c.ClientIP()
	lctx, err := rl.wsIP.Get(c.Request.Context(), key)
	if err != nil {
		logging.Error(c.Request.Context(), "rate limiter store error", zap.Error(err))
		return true
	}

	if lctx.Reached {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "connection rate limit exceeded"})
		return false
	}
	return true
}
