package room

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// Shard relay frames, sent by a shard proxy over its persistent upstream
// socket on behalf of the clients attached to it.
const (
	frameShardConnected    = "shard.clientConnected"
	frameShardMessage      = "shard.clientMessage"
	frameShardDisconnected = "shard.clientDisconnected"
	frameShardCloseClient  = "shard.closeClient"
)

func isShardFrame(t string) bool {
	return strings.HasPrefix(t, "shard.")
}

type shardClientFrame struct {
	Type           string          `json:"type"`
	PrivateID      string          `json:"privateId"`
	PublicID       string          `json:"publicId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ConnectionInfo struct {
		TransferToken string `json:"transferToken,omitempty"`
	} `json:"connectionInfo"`
}

// targetedEnvelope is the outbound shape toward a shard proxy: the proxy
// routes payload to the named client connection.
type targetedEnvelope struct {
	TargetClientID string `json:"targetClientId"`
	Payload        any    `json:"payload"`
	Type           string `json:"type,omitempty"`
}

// RegisterShardSocket marks a connection as a shard proxy's upstream socket.
// The caller must have verified the shard secret; relay frames from
// unregistered connections are dropped.
func (r *Room) RegisterShardSocket(conn Connection) {
	r.post(func() {
		r.shardUpstream[conn] = make(map[string]*remoteConn)
		logging.Info(r.ctx, "shard socket attached", zap.String("room_id", r.ID))
	})
}

// handleShardFrame services relay traffic from a registered shard socket.
// Each remote client gets a virtual connection that participates in the room
// exactly like a local one.
func (r *Room) handleShardFrame(ctx context.Context, conn Connection, frameType string, data []byte) Result {
	clients, ok := r.shardUpstream[conn]
	if !ok {
		logging.Warn(ctx, "dropping shard frame from unregistered socket",
			zap.String("room_id", r.ID), zap.String("type", frameType))
		return ResultDropped
	}

	var frame shardClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Warn(ctx, "dropping malformed shard frame", zap.Error(err))
		return ResultDropped
	}
	if frame.PrivateID == "" {
		return ResultDropped
	}

	switch frameType {
	case frameShardConnected:
		rc := &remoteConn{upstream: conn, clientID: frame.PrivateID}
		clients[frame.PrivateID] = rc
		res := r.admit(ctx, rc, frame.PrivateID, frame.ConnectionInfo.TransferToken)
		if res != ResultOK {
			delete(clients, frame.PrivateID)
		}
		return res

	case frameShardMessage:
		rc, ok := clients[frame.PrivateID]
		if !ok {
			return ResultDropped
		}
		return r.dispatchFrame(ctx, rc, frame.Payload)

	case frameShardDisconnected:
		rc, ok := clients[frame.PrivateID]
		if !ok {
			return ResultDropped
		}
		delete(clients, frame.PrivateID)
		r.disconnect(ctx, rc)
		return ResultOK
	}

	return ResultDropped
}

// shardSocketClosed tears down every remote client behind a dropped shard
// socket.
func (r *Room) shardSocketClosed(ctx context.Context, conn Connection) {
	clients, ok := r.shardUpstream[conn]
	if !ok {
		return
	}
	delete(r.shardUpstream, conn)

	logging.Warn(ctx, "shard socket lost",
		zap.String("room_id", r.ID), zap.Int("clients", len(clients)))
	for _, rc := range clients {
		r.disconnect(ctx, rc)
	}
}

// remoteConn is a virtual connection for a client attached to a shard proxy.
// Outbound traffic is wrapped in a targeted envelope so the proxy can route
// it to the right client socket.
type remoteConn struct {
	upstream Connection
	clientID string

	mu     sync.RWMutex
	state  transport.SessionState
	closed bool
}

func (rc *remoteConn) Send(data []byte) {
	rc.mu.RLock()
	closed := rc.closed
	rc.mu.RUnlock()
	if closed {
		return
	}
	rc.upstream.SendJSON(targetedEnvelope{
		TargetClientID: rc.clientID,
		Payload:        json.RawMessage(data),
	})
}

func (rc *remoteConn) SendJSON(v any) {
	rc.mu.RLock()
	closed := rc.closed
	rc.mu.RUnlock()
	if closed {
		return
	}
	rc.upstream.SendJSON(targetedEnvelope{
		TargetClientID: rc.clientID,
		Payload:        v,
	})
}

// Close asks the proxy to drop the client socket. The proxy answers with a
// shard.clientDisconnected frame, which performs the room-side cleanup.
func (rc *remoteConn) Close() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.mu.Unlock()

	rc.upstream.SendJSON(targetedEnvelope{
		TargetClientID: rc.clientID,
		Type:           frameShardCloseClient,
	})
}

func (rc *remoteConn) State() transport.SessionState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.state
}

func (rc *remoteConn) SetState(s transport.SessionState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}
