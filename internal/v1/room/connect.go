package room

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
	"github.com/roomkit-dev/roomkit/internal/v1/session"
	"github.com/roomkit-dev/roomkit/internal/v1/signal"
	"github.com/roomkit-dev/roomkit/internal/v1/state"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// Connect admits a connection into the room: guards, session adoption (fresh,
// reconnect, or transfer), user entity creation, join hooks, and the initial
// full-state sync. Runs on the event loop; returns the dispatch outcome.
func (r *Room) Connect(ctx context.Context, conn Connection, privateID, transferToken string) Result {
	var res Result
	r.call(func() {
		res = r.admit(ctx, conn, privateID, transferToken)
	})
	return res
}

func (r *Room) admit(ctx context.Context, conn Connection, privateID, transferToken string) Result {
	for _, g := range r.cfg.Guards {
		if !g(conn, nil) {
			logging.Warn(ctx, "room guard rejected connection", zap.String("room_id", r.ID))
			conn.Close()
			return ResultClosed
		}
	}

	if r.cfg.MaxUsers > 0 && r.UserCount() >= r.cfg.MaxUsers {
		logging.Warn(ctx, "room full, rejecting connection",
			zap.String("room_id", r.ID), zap.Int("max_users", r.cfg.MaxUsers))
		conn.Close()
		return ResultClosed
	}

	var (
		sess         *session.Data
		err          error
		transferData map[string]any
	)

	switch {
	case transferToken != "":
		var pid string
		var d *session.Data
		pid, d, err = r.sessions.ValidateTransfer(ctx, transferToken, r.ID)
		if err == nil {
			privateID = pid
			sess, err = r.sessions.CompleteTransfer(ctx, privateID, d)
		}
		if err != nil {
			logging.Warn(ctx, "transfer token rejected", zap.String("room_id", r.ID), zap.Error(err))
			metrics.TransfersTotal.WithLabelValues("complete", "error").Inc()
			conn.Close()
			return ResultClosed
		}
		transferData = sess.TransferData
		metrics.TransfersTotal.WithLabelValues("complete", "ok").Inc()

	case privateID != "":
		sess, err = r.sessions.Get(ctx, privateID)
		if errors.Is(err, session.ErrNotFound) {
			sess, err = r.sessions.New(ctx, privateID)
		} else if err == nil {
			sess.Connected = true
			sess.LastRoomID = r.ID
			err = r.sessions.Put(ctx, privateID, sess)
		}

	default:
		privateID = uuid.NewString()
		sess, err = r.sessions.New(ctx, privateID)
	}

	if err != nil {
		logging.Error(ctx, "session adoption failed", zap.String("room_id", r.ID), zap.Error(err))
		conn.Close()
		return ResultClosed
	}

	// A reconnect within the grace window cancels the pending cleanup.
	if t, ok := r.graceTimers[privateID]; ok {
		t.Stop()
		delete(r.graceTimers, privateID)
	}

	user := r.makeUser(sess.PublicID, sess.State)
	if user == nil {
		logging.Error(ctx, "room root declares no users map", zap.String("room_id", r.ID))
		conn.Close()
		return ResultClosed
	}

	conn.SetState(transport.SessionState{PublicID: sess.PublicID, PrivateID: privateID})
	r.conns[conn] = struct{}{}
	r.connByPublic[sess.PublicID] = conn
	metrics.RoomUsers.WithLabelValues(r.ID).Set(float64(r.UserCount()))

	if j, ok := r.logic.(Joiner); ok {
		j.OnJoin(ctx, user, conn)
	}

	if transferData != nil {
		if tr, ok := r.logic.(TransferReceiver); ok {
			tr.OnSessionTransfer(ctx, user, conn, transferData)
		}
		if err := r.sessions.ClearTransferData(ctx, privateID); err != nil {
			logging.Warn(ctx, "failed to clear transfer payload", zap.Error(err))
		}
	}

	// Initial sync: full snapshot plus the joiner's identities.
	snap := r.engine.SnapshotTree()
	snap["pId"] = sess.PublicID
	snap["privateId"] = privateID
	r.sendPacket(conn, map[string]any{"type": "sync", "value": snap})

	logging.Info(ctx, "user joined",
		zap.String("room_id", r.ID),
		zap.String("publicId", sess.PublicID),
		zap.String("privateId", logging.RedactPrivateID(privateID)))
	return ResultOK
}

// makeUser instantiates the user entity declared by the users map, populates
// its identity and liveness fields, restores any saved scalar state, and
// inserts it under publicID. Inserting last means the subtree emits a single
// coherent initial state.
func (r *Room) makeUser(publicID string, saved map[string]any) state.Entity {
	if r.users == nil {
		return nil
	}

	// Reconnect inside the grace window: the entity is still in the map.
	if existing, ok := r.users.Get(publicID); ok {
		user, _ := existing.(state.Entity)
		if user != nil {
			if cf, ok := state.ConnectedField(user); ok {
				cf.Sig.(*signal.Scalar).Set(true)
			}
			if saved != nil {
				state.RestoreScalars(user, saved)
			}
			return user
		}
	}

	factory := r.users.Options().ClassType
	if factory == nil {
		return nil
	}
	user, ok := factory().(state.Entity)
	if !ok {
		return nil
	}

	if idf, ok := state.IDField(user); ok {
		idf.Sig.(*signal.Scalar).Set(publicID)
	}
	if cf, ok := state.ConnectedField(user); ok {
		cf.Sig.(*signal.Scalar).Set(true)
	}
	if saved != nil {
		state.RestoreScalars(user, saved)
	}

	r.users.SetKey(publicID, user)
	return user
}

// disconnect handles a closed connection: saves the user's scalar state back
// onto the session, then either cleans up immediately or marks the user
// offline and arms the grace timer. Runs on the event loop.
func (r *Room) disconnect(ctx context.Context, conn Connection) {
	st := conn.State()
	delete(r.conns, conn)

	if st.PublicID == "" {
		return
	}
	if r.connByPublic[st.PublicID] == conn {
		delete(r.connByPublic, st.PublicID)
	}

	user := r.userForPublic(st.PublicID)
	if user == nil {
		return
	}

	// Save scalar state for reconnect.
	if sess, err := r.sessions.Get(ctx, st.PrivateID); err == nil {
		sess.Connected = false
		sess.State = state.ScalarSnapshot(user, false)
		if err := r.sessions.Put(ctx, st.PrivateID, sess); err != nil {
			logging.Warn(ctx, "failed to save session state on disconnect", zap.Error(err))
		}
	}

	if r.cfg.SessionExpiry <= 0 {
		r.cleanupUser(ctx, user, conn, st)
		return
	}

	if cf, ok := state.ConnectedField(user); ok {
		cf.Sig.(*signal.Scalar).Set(false)
	}
	r.broadcastJSON("user_offline", map[string]any{"publicId": st.PublicID})

	r.graceTimers[st.PrivateID] = time.AfterFunc(r.cfg.SessionExpiry, func() {
		r.post(func() {
			// Idempotent: a reconnect both stops the timer and removes it
			// from the table, but the fire may already be in flight.
			if _, pending := r.graceTimers[st.PrivateID]; !pending {
				return
			}
			delete(r.graceTimers, st.PrivateID)
			if u := r.userForPublic(st.PublicID); u != nil {
				r.cleanupUser(context.Background(), u, conn, st)
			}
		})
	})
}

// cleanupUser removes the user from the room for good.
func (r *Room) cleanupUser(ctx context.Context, user state.Entity, conn Connection, st transport.SessionState) {
	if l, ok := r.logic.(Leaver); ok {
		l.OnLeave(ctx, user, conn)
	}

	r.users.Delete(st.PublicID)
	if err := r.sessions.Delete(ctx, st.PrivateID); err != nil {
		logging.Warn(ctx, "failed to delete session", zap.Error(err))
	}

	r.broadcastJSON("user_disconnected", map[string]any{"publicId": st.PublicID})
	metrics.RoomUsers.WithLabelValues(r.ID).Set(float64(r.UserCount()))

	logging.Info(ctx, "user left", zap.String("room_id", r.ID), zap.String("publicId", st.PublicID))

	if len(r.conns) == 0 && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

func (r *Room) userForPublic(publicID string) state.Entity {
	if r.users == nil {
		return nil
	}
	v, ok := r.users.Get(publicID)
	if !ok {
		return nil
	}
	u, _ := v.(state.Entity)
	return u
}
