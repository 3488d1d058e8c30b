// Package shardproxy implements a shard: a room replica that owns no logic
// and relays its clients' traffic to the main room over one persistent
// upstream socket.
package shardproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/auth"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// Config describes one shard proxy instance.
type Config struct {
	ShardID     string
	RoomID      string
	MainWSURL   string // ws/wss endpoint of the main room
	MainHTTPURL string // http/https base of the main room, for request forwarding
	ShardSecret string
}

// Proxy relays client connections to the main room. Each client frame is
// wrapped in a shard.* envelope carrying the client's ids; downstream frames
// with a targetClientId are routed, the rest broadcast.
type Proxy struct {
	cfg Config

	mu       sync.Mutex
	clients  map[string]*transport.Conn // privateId -> client socket
	publics  map[string]string          // privateId -> publicId, learned from initial sync
	upstream *transport.Conn
	downCh   chan struct{} // closed when the current upstream drops

	httpClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a proxy. Start must be called before clients attach.
func New(ctx context.Context, cfg Config) *Proxy {
	p := &Proxy{
		cfg:        cfg,
		clients:    make(map[string]*transport.Conn),
		publics:    make(map[string]string),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	return p
}

// Start dials the main room and keeps the upstream socket alive, redialing
// with backoff until the proxy is closed.
func (p *Proxy) Start() {
	p.wg.Add(1)
	go p.maintainUpstream()
}

// Close drops the upstream and every client socket.
func (p *Proxy) Close() {
	p.cancel()

	p.mu.Lock()
	up := p.upstream
	clients := make([]*transport.Conn, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	if up != nil {
		up.Close()
	}
	for _, c := range clients {
		c.Close()
	}
	p.wg.Wait()
}

func (p *Proxy) maintainUpstream() {
	defer p.wg.Done()
	backoff := time.Second

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.dialUpstream(); err != nil {
			logging.Error(p.ctx, "upstream dial failed",
				zap.String("shard_id", p.cfg.ShardID), zap.Error(err))
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		// Block until the upstream drops, then re-dial.
		select {
		case <-p.ctx.Done():
			return
		case <-p.upstreamDone():
		}
	}
}

func (p *Proxy) upstreamDone() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downCh
}

func (p *Proxy) dialUpstream() error {
	header := http.Header{}
	header.Set(auth.ShardSecretHeader, p.cfg.ShardSecret)
	header.Set("X-Shard-Id", p.cfg.ShardID)

	ws, _, err := websocket.DefaultDialer.DialContext(p.ctx, p.cfg.MainWSURL, header)
	if err != nil {
		return err
	}

	down := make(chan struct{})
	conn := transport.NewConn(ws, &upstreamHandler{proxy: p, down: down})

	p.mu.Lock()
	p.upstream = conn
	p.downCh = down
	p.mu.Unlock()

	conn.Start()

	// Replay attached clients so the main room re-admits them.
	p.mu.Lock()
	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.sendUpstream(map[string]any{
			"type":           "shard.clientConnected",
			"privateId":      id,
			"connectionInfo": map[string]any{"shardId": p.cfg.ShardID},
		})
	}

	logging.Info(p.ctx, "upstream connected",
		zap.String("shard_id", p.cfg.ShardID), zap.String("room_id", p.cfg.RoomID))
	return nil
}

func (p *Proxy) sendUpstream(v any) {
	p.mu.Lock()
	up := p.upstream
	p.mu.Unlock()
	if up == nil {
		return
	}
	up.SendJSON(v)
}

// AttachClient adopts an accepted client WebSocket. privateID may be empty;
// transferToken, when present, rides along so the main room can complete a
// session transfer.
func (p *Proxy) AttachClient(ws *websocket.Conn, privateID, transferToken string) {
	if privateID == "" {
		privateID = uuid.NewString()
	}

	conn := transport.NewConn(ws, &clientHandler{proxy: p, privateID: privateID})
	p.mu.Lock()
	p.clients[privateID] = conn
	p.mu.Unlock()
	conn.Start()

	info := map[string]any{"shardId": p.cfg.ShardID}
	if transferToken != "" {
		info["transferToken"] = transferToken
	}
	p.sendUpstream(map[string]any{
		"type":           "shard.clientConnected",
		"privateId":      privateID,
		"connectionInfo": info,
	})
}

// clientHandler relays one client's frames upstream.
type clientHandler struct {
	proxy     *Proxy
	privateID string
}

func (h *clientHandler) HandleMessage(c *transport.Conn, data []byte) {
	p := h.proxy
	p.mu.Lock()
	publicID := p.publics[h.privateID]
	p.mu.Unlock()

	p.sendUpstream(map[string]any{
		"type":      "shard.clientMessage",
		"privateId": h.privateID,
		"publicId":  publicID,
		"payload":   json.RawMessage(data),
	})
}

func (h *clientHandler) HandleClose(c *transport.Conn) {
	p := h.proxy
	p.mu.Lock()
	publicID := p.publics[h.privateID]
	delete(p.clients, h.privateID)
	delete(p.publics, h.privateID)
	p.mu.Unlock()

	p.sendUpstream(map[string]any{
		"type":      "shard.clientDisconnected",
		"privateId": h.privateID,
		"publicId":  publicID,
	})
}

// downstreamEnvelope is what the main room sends toward the proxy.
type downstreamEnvelope struct {
	TargetClientID string          `json:"targetClientId"`
	Payload        json.RawMessage `json:"payload"`
	Type           string          `json:"type"`
}

// upstreamHandler routes frames coming back from the main room.
type upstreamHandler struct {
	proxy *Proxy
	down  chan struct{}
}

func (h *upstreamHandler) HandleMessage(c *transport.Conn, data []byte) {
	p := h.proxy

	var env downstreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn(p.ctx, "dropping malformed downstream frame", zap.Error(err))
		return
	}

	if env.TargetClientID == "" {
		// No target: mirror to every attached client.
		p.mu.Lock()
		conns := make([]*transport.Conn, 0, len(p.clients))
		for _, conn := range p.clients {
			conns = append(conns, conn)
		}
		p.mu.Unlock()
		for _, conn := range conns {
			conn.Send(data)
		}
		return
	}

	p.mu.Lock()
	conn := p.clients[env.TargetClientID]
	p.mu.Unlock()
	if conn == nil {
		return
	}

	if env.Type == "shard.closeClient" {
		conn.Close()
		return
	}

	p.learnPublicID(env.TargetClientID, env.Payload)
	conn.Send(env.Payload)
}

// learnPublicID captures the publicId from the initial sync so later client
// frames can carry it.
func (p *Proxy) learnPublicID(privateID string, payload []byte) {
	p.mu.Lock()
	_, known := p.publics[privateID]
	p.mu.Unlock()
	if known {
		return
	}

	var msg struct {
		Type  string `json:"type"`
		Value struct {
			PID string `json:"pId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Type == "sync" && msg.Value.PID != "" {
		p.mu.Lock()
		p.publics[privateID] = msg.Value.PID
		p.mu.Unlock()
	}
}

func (h *upstreamHandler) HandleClose(c *transport.Conn) {
	p := h.proxy
	p.mu.Lock()
	if p.upstream == c {
		p.upstream = nil
	}
	p.mu.Unlock()
	close(h.down)
	logging.Warn(p.ctx, "upstream socket lost", zap.String("shard_id", p.cfg.ShardID))
}

// ForwardHTTP relays an HTTP request to the main room, tagging it with the
// shard id and the original client address.
func (p *Proxy) ForwardHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	url := p.cfg.MainHTTPURL + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	req.Header.Set("X-Shard-Id", p.cfg.ShardID)
	req.Header.Set("X-Forwarded-For", r.RemoteAddr)
	req.Header.Set(auth.ShardSecretHeader, p.cfg.ShardSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logging.Error(r.Context(), "http forward failed",
			zap.String("shard_id", p.cfg.ShardID), zap.Error(err))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
