// Package transport adapts WebSocket-style connections for the room runtime:
// per-connection send with a buffered write pump, attached session state, and
// a read pump that hands frames to the owning room.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
)

// wsConnection is the minimum surface the engine needs from the host
// platform's WebSocket primitive.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// SessionState is the state attached to a connection once its session is
// adopted.
type SessionState struct {
	PublicID  string
	PrivateID string
}

// Handler receives connection events. The room runtime implements this; all
// calls for one connection arrive from its read pump goroutine.
type Handler interface {
	HandleMessage(c *Conn, data []byte)
	HandleClose(c *Conn)
}

// Conn is a single client's connection to a room.
type Conn struct {
	ws      wsConnection
	handler Handler

	mu     sync.RWMutex
	state  SessionState
	closed bool

	closeOnce sync.Once
	send      chan []byte
}

// sendBuffer sizes the outbound queue; a slow client that falls this far
// behind starts dropping frames rather than blocking the room.
const sendBuffer = 256

// NewConn wraps an accepted WebSocket connection.
func NewConn(ws wsConnection, handler Handler) *Conn {
	return &Conn{
		ws:      ws,
		handler: handler,
		send:    make(chan []byte, sendBuffer),
	}
}

// Start launches the read and write pumps.
func (c *Conn) Start() {
	metrics.IncConnection()
	go c.writePump()
	go c.readPump()
}

// State returns the attached session state.
func (c *Conn) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState attaches session identity to the connection.
func (c *Conn) SetState(s SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send queues pre-serialized data for delivery. Full or closed connections
// drop the frame.
func (c *Conn) Send(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "connection send buffer full, dropping frame",
			zap.String("publicId", c.State().PublicID))
	}
}

// SendJSON marshals v and queues it.
func (c *Conn) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message", zap.Error(err))
		return
	}
	c.Send(data)
}

// Close shuts the connection down. The write pump drains buffered frames,
// sends a close frame, and closes the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump processes inbound frames until the connection drops, then reports
// the close to the handler.
func (c *Conn) readPump() {
	defer func() {
		c.handler.HandleClose(c)
		_ = c.ws.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.handler.HandleMessage(c, data)
	}
}

func (c *Conn) writePump() {
	defer func() { _ = c.ws.Close() }()
	writeWait := 10 * time.Second

	for {
		message, ok := <-c.send
		if !ok {
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}
}
