// Package health exposes liveness and readiness probes for the server.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/bus"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/storage"
)

// Checker probes the server's shared dependencies.
type Checker struct {
	store storage.Store
	bus   *bus.Service
}

// NewChecker wires the dependencies probed by readiness. Either may be nil.
func NewChecker(store storage.Store, busSvc *bus.Service) *Checker {
	return &Checker{store: store, bus: busSvc}
}

// RegisterRoutes mounts the liveness and readiness probes.
func (c *Checker) RegisterRoutes(r gin.IRouter) {
	r.GET("/health/live", c.handleLiveness)
	r.GET("/health/ready", c.handleReadiness)
}

// handleLiveness always succeeds while the process serves requests.
func (c *Checker) handleLiveness(g *gin.Context) {
	g.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadiness fails when a shared dependency is unreachable, so the
// replica is pulled from rotation instead of accepting dead-end connections.
func (c *Checker) handleReadiness(g *gin.Context) {
	ctx, cancel := context.WithTimeout(g.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if c.store != nil {
		if err := c.probeStore(ctx); err != nil {
			logging.Warn(ctx, "storage readiness probe failed", zap.Error(err))
			checks["storage"] = err.Error()
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	}

	if c.bus != nil {
		if err := c.bus.Ping(ctx); err != nil {
			logging.Warn(ctx, "bus readiness probe failed", zap.Error(err))
			checks["bus"] = err.Error()
			healthy = false
		} else {
			checks["bus"] = "ok"
		}
	}

	if !healthy {
		g.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	g.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// probeStore issues a cheap read; ErrNotFound still proves the store answers.
func (c *Checker) probeStore(ctx context.Context) error {
	_, err := c.store.Get(ctx, "healthcheck")
	if err == storage.ErrNotFound {
		return nil
	}
	return err
}
