package room

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/bus"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
)

// subscribeToBus mirrors broadcasts from other replicas hosting this room
// onto local connections. Envelopes carry the full wire packet; our own
// publishes are suppressed by sender id.
func (r *Room) subscribeToBus() {
	r.busSvc.Subscribe(r.ctx, r.ID, &r.wg, func(env bus.Envelope) {
		if env.SenderID == r.replicaID {
			return
		}
		r.post(func() {
			r.deliverFromBus(env)
		})
	})
}

func (r *Room) deliverFromBus(env bus.Envelope) {
	if env.TargetID != "" {
		conn, ok := r.connByPublic[env.TargetID]
		if !ok {
			return
		}
		conn.Send(env.Payload)
		return
	}

	var packet map[string]any
	if err := json.Unmarshal(env.Payload, &packet); err != nil {
		logging.Error(r.ctx, "discarding unreadable bus payload",
			zap.String("room_id", r.ID), zap.Error(err))
		return
	}
	for conn := range r.conns {
		r.sendPacket(conn, packet)
	}
}

// publishToBus forwards a locally originated broadcast to sibling replicas.
// Must be called from the event loop (it runs inside broadcastJSON).
func (r *Room) publishToBus(event string, packet map[string]any) {
	if r.busSvc == nil {
		return
	}
	raw, err := json.Marshal(packet)
	if err != nil {
		return
	}
	if err := r.busSvc.Publish(r.ctx, r.ID, event, raw, r.replicaID); err != nil {
		logging.Warn(r.ctx, "bus publish failed", zap.String("room_id", r.ID), zap.Error(err))
	}
}
