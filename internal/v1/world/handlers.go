package world

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/auth"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
)

// TransferBackend is the room-side plumbing the world's transfer endpoints
// drive.
type TransferBackend interface {
	PrepareTransfer(ctx context.Context, fromRoomID, toRoomID, privateID string, transferData map[string]any) (string, error)
	ApplyRoomState(ctx context.Context, toRoomID string, tree map[string]any) error
}

// Service exposes the world registry over HTTP.
type Service struct {
	world       *World
	transfers   TransferBackend
	validator   auth.TokenValidator
	shardSecret string
}

// NewService wires the registry, transfer backend and admin credentials.
func NewService(w *World, transfers TransferBackend, validator auth.TokenValidator, shardSecret string) *Service {
	return &Service{world: w, transfers: transfers, validator: validator, shardSecret: shardSecret}
}

// RegisterRoutes mounts the world API under /parties/world/:worldId.
func (s *Service) RegisterRoutes(r gin.IRouter, adminLimiter gin.HandlerFunc) {
	g := r.Group("/parties/world/:worldId", s.worldGuard())

	g.POST("/connect", s.handleConnect)
	g.POST("/register-shard", s.handleRegisterShard)
	g.GET("/room-info", s.handleRoomInfo)

	admin := g.Group("", s.adminGuard())
	if adminLimiter != nil {
		admin.Use(adminLimiter)
	}
	admin.POST("/register-room", s.handleRegisterRoom)
	admin.POST("/update-shard", s.handleUpdateShard)
	admin.POST("/scale-room", s.handleScaleRoom)
	admin.POST("/transfer-user-session", s.handleTransferUserSession)
	admin.POST("/transfer-room-state", s.handleTransferRoomState)
}

// worldGuard rejects requests addressed to a world this replica does not
// host.
func (s *Service) worldGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("worldId") != s.world.ID {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown world"})
			return
		}
		c.Next()
	}
}

// adminGuard accepts either a JWT whose worlds claim covers this world, or
// the intra-cluster shard secret header.
func (s *Service) adminGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.CheckShardSecret(c.Request, s.shardSecret) {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if ok && s.validator != nil {
			claims, err := s.validator.ValidateToken(token)
			if err == nil && claims.AuthorizesWorld(s.world.ID) {
				c.Next()
				return
			}
			if err != nil {
				logging.Warn(c.Request.Context(), "admin token rejected",
					zap.String("world_id", s.world.ID), zap.Error(err))
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin authorization required"})
	}
}

type connectRequest struct {
	RoomID     string `json:"roomId" binding:"required"`
	AutoCreate bool   `json:"autoCreate"`
}

func (s *Service) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	placement, err := s.world.GetOptimalShard(c.Request.Context(), req.RoomID, req.AutoCreate)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "shardId": placement.ShardID, "url": placement.URL})
}

type registerRoomRequest struct {
	RoomID string `json:"roomId"`
	RoomConfig
}

func (s *Service) handleRegisterRoom(c *gin.Context) {
	var req registerRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = req.Name
	}
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId or name is required"})
		return
	}

	info, err := s.world.RegisterRoom(c.Request.Context(), roomID, req.RoomConfig)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "room": info})
}

type registerShardRequest struct {
	ShardID        string `json:"shardId" binding:"required"`
	RoomID         string `json:"roomId" binding:"required"`
	URL            string `json:"url" binding:"required"`
	MaxConnections int    `json:"maxConnections"`
}

func (s *Service) handleRegisterShard(c *gin.Context) {
	var req registerShardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sh, err := s.world.RegisterShard(c.Request.Context(), req.ShardID, req.RoomID, req.URL, req.MaxConnections)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "shard": sh})
}

type updateShardRequest struct {
	ShardID     string      `json:"shardId" binding:"required"`
	Connections int         `json:"connections"`
	Status      ShardStatus `json:"status"`
}

func (s *Service) handleUpdateShard(c *gin.Context) {
	var req updateShardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sh, err := s.world.UpdateShardStats(c.Request.Context(), req.ShardID, req.Connections, req.Status)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "shard": sh})
}

type scaleRoomRequest struct {
	RoomID           string `json:"roomId" binding:"required"`
	TargetShardCount int    `json:"targetShardCount"`
	ShardTemplate    string `json:"shardTemplate"`
}

func (s *Service) handleScaleRoom(c *gin.Context) {
	var req scaleRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	shards, err := s.world.ScaleShardsForRoom(c.Request.Context(), req.RoomID, req.TargetShardCount, req.ShardTemplate)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "currentShardCount": len(shards), "shards": shards})
}

func (s *Service) handleRoomInfo(c *gin.Context) {
	roomID := c.Query("roomId")
	if roomID == "" {
		c.JSON(http.StatusOK, gin.H{"rooms": s.world.RoomInfos()})
		return
	}

	info, err := s.world.RoomInfoFor(roomID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

type transferSessionRequest struct {
	FromRoomID   string         `json:"fromRoomId" binding:"required"`
	ToRoomID     string         `json:"toRoomId" binding:"required"`
	SessionID    string         `json:"sessionId" binding:"required"`
	TransferData map[string]any `json:"transferData"`
}

func (s *Service) handleTransferUserSession(c *gin.Context) {
	var req transferSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.transfers.PrepareTransfer(c.Request.Context(), req.FromRoomID, req.ToRoomID, req.SessionID, req.TransferData)
	if err != nil {
		metrics.TransfersTotal.WithLabelValues("prepare", "error").Inc()
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	metrics.TransfersTotal.WithLabelValues("prepare", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"success": true, "transferToken": token})
}

type transferRoomStateRequest struct {
	FromRoomID string         `json:"fromRoomId"`
	ToRoomID   string         `json:"toRoomId" binding:"required"`
	State      map[string]any `json:"state" binding:"required"`
}

func (s *Service) handleTransferRoomState(c *gin.Context) {
	var req transferRoomStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.transfers.ApplyRoomState(c.Request.Context(), req.ToRoomID, req.State); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// statusFor maps registry errors onto HTTP statuses: not-found resources are
// 404, conflicts 400, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrShardNotFound), errors.Is(err, ErrNoActiveShards):
		return http.StatusNotFound
	case errors.Is(err, ErrOverMaxShards):
		return http.StatusBadRequest
	default:
		if err != nil && strings.Contains(err.Error(), "not found") {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
}
