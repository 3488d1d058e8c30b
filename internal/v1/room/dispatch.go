package room

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// actionEnvelope is the inbound wire shape.
type actionEnvelope struct {
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value"`
	Type   string          `json:"type"`
}

// HandleMessage implements transport.Handler. Frames are queued onto the
// event loop so handlers from all connections serialize.
func (r *Room) HandleMessage(c *transport.Conn, data []byte) {
	r.post(func() {
		r.dispatchFrame(r.ctx, c, data)
	})
}

// HandleClose implements transport.Handler.
func (r *Room) HandleClose(c *transport.Conn) {
	r.post(func() {
		if _, isShard := r.shardUpstream[Connection(c)]; isShard {
			r.shardSocketClosed(r.ctx, c)
			return
		}
		r.disconnect(r.ctx, c)
	})
}

// dispatchFrame routes one inbound frame: shard relay frames carry a "type",
// client frames carry an "action".
func (r *Room) dispatchFrame(ctx context.Context, conn Connection, data []byte) Result {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn(ctx, "dropping malformed frame", zap.String("room_id", r.ID), zap.Error(err))
		return ResultDropped
	}

	if isShardFrame(env.Type) {
		return r.handleShardFrame(ctx, conn, env.Type, data)
	}

	if env.Action == "" {
		return ResultDropped
	}

	var value any
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, &value); err != nil {
			logging.Warn(ctx, "dropping frame with unreadable value",
				zap.String("room_id", r.ID), zap.String("action", env.Action), zap.Error(err))
			return ResultDropped
		}
	}

	return r.dispatchAction(ctx, conn, env.Action, value)
}

// dispatchAction runs the full action pipeline: room guards, registry lookup,
// action guards, payload validation, handler.
func (r *Room) dispatchAction(ctx context.Context, conn Connection, name string, value any) Result {
	start := time.Now()

	for _, g := range r.cfg.Guards {
		if !g(conn, value) {
			metrics.ActionsTotal.WithLabelValues(name, "closed").Inc()
			conn.Close()
			return ResultClosed
		}
	}

	action, ok := r.actions[name]
	if !ok {
		logging.Warn(ctx, "dropping unknown action", zap.String("room_id", r.ID), zap.String("action", name))
		metrics.ActionsTotal.WithLabelValues(name, "dropped").Inc()
		return ResultDropped
	}

	for _, g := range action.Guards {
		if !g(conn, value) {
			metrics.ActionsTotal.WithLabelValues(name, "dropped").Inc()
			return ResultDropped
		}
	}

	if action.Validate != nil {
		if err := action.Validate(value); err != nil {
			logging.Warn(ctx, "dropping action with invalid payload",
				zap.String("room_id", r.ID), zap.String("action", name), zap.Error(err))
			metrics.ActionsTotal.WithLabelValues(name, "dropped").Inc()
			return ResultDropped
		}
	}

	user := r.userForConn(conn)
	if err := action.Handler(ctx, user, value, conn); err != nil {
		// Handler errors never cross the dispatch loop; the connection
		// stays open.
		logging.Error(ctx, "action handler failed",
			zap.String("room_id", r.ID), zap.String("action", name), zap.Error(err))
		metrics.ActionsTotal.WithLabelValues(name, "error").Inc()
		return ResultDropped
	}

	metrics.ActionsTotal.WithLabelValues(name, "ok").Inc()
	metrics.ActionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return ResultOK
}

// ServeRequest dispatches an HTTP request against the room's declarative
// routes. The first registered route matching method and template wins; no
// match yields 404.
func (r *Room) ServeRequest(req *http.Request, body []byte) (int, any) {
	var (
		status  int
		payload any
	)
	r.call(func() {
		status, payload = r.serveRequest(req, body)
	})
	return status, payload
}

func (r *Room) serveRequest(req *http.Request, body []byte) (int, any) {
	for _, route := range r.requests {
		if route.Method != req.Method {
			continue
		}
		params, ok := matchTemplate(route.Template, req.URL.Path)
		if !ok {
			continue
		}

		if route.Validate != nil {
			var value any
			if len(body) > 0 {
				if err := json.Unmarshal(body, &value); err != nil {
					return http.StatusBadRequest, map[string]any{"error": "invalid JSON body"}
				}
			}
			if err := route.Validate(value); err != nil {
				return http.StatusBadRequest, map[string]any{"error": err.Error()}
			}
		}

		resp, err := route.Handler(req.Context(), params, body, req)
		if err != nil {
			logging.Error(req.Context(), "request handler failed",
				zap.String("room_id", r.ID), zap.String("path", req.URL.Path), zap.Error(err))
			return http.StatusInternalServerError, map[string]any{"error": err.Error()}
		}
		if resp == nil {
			return http.StatusOK, map[string]any{}
		}
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		return status, resp.Body
	}

	return http.StatusNotFound, map[string]any{"error": "no such route"}
}
