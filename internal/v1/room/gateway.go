package room

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/auth"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/ratelimit"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// Gateway binds rooms to the HTTP surface: WebSocket upgrades under
// /parties/room/:roomId and the rooms' declarative request routes under the
// same prefix.
type Gateway struct {
	mgr            *Manager
	limiter        *ratelimit.RateLimiter
	allowedOrigins []string
	shardSecret    string
}

// NewGateway wires the manager behind the HTTP surface.
func NewGateway(mgr *Manager, limiter *ratelimit.RateLimiter, allowedOrigins []string, shardSecret string) *Gateway {
	return &Gateway{mgr: mgr, limiter: limiter, allowedOrigins: allowedOrigins, shardSecret: shardSecret}
}

// RegisterRoutes mounts the room endpoints.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	grp := r.Group("/parties/room/:roomId")
	grp.GET("", g.ServeWS)
	grp.Any("/request/*path", g.ServeRequest)
}

// ServeWS upgrades a client (or a shard proxy's upstream socket) into a
// room. The candidate private id rides in the X-User-ID header or userId
// query parameter; transfer_token triggers session adoption.
func (g *Gateway) ServeWS(c *gin.Context) {
	if !g.limiter.CheckWebSocket(c) {
		return
	}

	roomID := c.Param("roomId")
	r, err := g.mgr.GetOrCreate(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room unavailable"})
		return
	}

	isShard := auth.CheckShardSecret(c.Request, g.shardSecret)

	ws, err := transport.Upgrade(c.Writer, c.Request, g.allowedOrigins)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed",
			zap.String("room_id", roomID), zap.Error(err))
		return
	}

	conn := transport.NewConn(ws, r)
	conn.Start()

	if isShard {
		r.RegisterShardSocket(conn)
		return
	}

	privateID := c.GetHeader("X-User-ID")
	if privateID == "" {
		privateID = c.Query("userId")
	}
	transferToken := c.Query("transfer_token")

	r.Connect(c.Request.Context(), conn, privateID, transferToken)
}

// ServeRequest dispatches an HTTP call to the room's registered routes.
func (g *Gateway) ServeRequest(c *gin.Context) {
	roomID := c.Param("roomId")
	r, err := g.mgr.GetOrCreate(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room unavailable"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	// Routes are matched against the path inside the room's prefix.
	req := c.Request.Clone(c.Request.Context())
	req.URL.Path = c.Param("path")

	status, payload := r.ServeRequest(req, body)
	c.JSON(status, payload)
}
