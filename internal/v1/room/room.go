// Package room implements the room runtime: a single-threaded cooperative
// actor owning one reactive state tree, a session table, action and request
// dispatch, and the sync/persist pipeline.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/bus"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
	"github.com/roomkit-dev/roomkit/internal/v1/session"
	"github.com/roomkit-dev/roomkit/internal/v1/signal"
	"github.com/roomkit-dev/roomkit/internal/v1/state"
	"github.com/roomkit-dev/roomkit/internal/v1/storage"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// Connection is what the runtime needs from a wire transport: per-connection
// send, close, and attached session state. transport.Conn implements it; the
// shard relay supplies virtual connections for remote clients.
type Connection interface {
	Send(data []byte)
	SendJSON(v any)
	Close()
	State() transport.SessionState
	SetState(s transport.SessionState)
}

// Guard is a room-level authorization predicate evaluated at connect and per
// inbound action. A false return rejects the operation; at the room boundary
// rejection closes the connection.
type Guard func(conn Connection, value any) bool

// Logic is the application side of a room: it owns the root entity. The root
// must declare a RoleUsers map whose class type produces user entities.
type Logic interface {
	NewRoot() state.Entity
}

// Joiner is implemented by logic that wants a callback after a user joins.
type Joiner interface {
	OnJoin(ctx context.Context, user state.Entity, conn Connection)
}

// Leaver is implemented by logic that wants a callback before user cleanup.
type Leaver interface {
	OnLeave(ctx context.Context, user state.Entity, conn Connection)
}

// TransferReceiver is implemented by logic that consumes transfer payloads.
type TransferReceiver interface {
	OnSessionTransfer(ctx context.Context, user state.Entity, conn Connection, transferData map[string]any)
}

// PacketInterceptor filters each outbound per-user sync fragment before it is
// sent. Returning nil drops the packet for that recipient.
type PacketInterceptor interface {
	InterceptPacket(user state.Entity, packet map[string]any, conn Connection) map[string]any
}

// ActionRegistrar lets logic register its actions and request routes during
// room construction.
type ActionRegistrar interface {
	Register(r *Room)
}

// Config carries the per-room runtime settings.
type Config struct {
	ID              string
	Path            string // URL pattern, may include {params}
	MaxUsers        int    // 0 = unlimited
	ThrottleSync    time.Duration
	ThrottleStorage time.Duration
	SessionExpiry   time.Duration // disconnect grace; 0 = immediate cleanup
	Guards          []Guard
}

// Room is one isolated stateful actor. All mutations to its entities,
// session table and diff buffers happen on the event loop goroutine; inbound
// events are serialized in arrival order.
type Room struct {
	ID  string
	cfg Config

	logic    Logic
	engine   *state.Engine
	root     state.Entity
	users    *signal.Map
	sessions *session.Store

	actions  map[string]*Action
	requests []*Request

	conns         map[Connection]struct{}
	connByPublic  map[string]Connection
	graceTimers   map[string]*time.Timer
	shardUpstream map[Connection]map[string]*remoteConn // shard socket -> privateId -> virtual conn

	events chan func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	busSvc    *bus.Service
	replicaID string

	onEmpty func(roomID string)
}

// eventQueue sizes the per-room mailbox.
const eventQueue = 256

// NewRoom constructs a room, binds its state tree, and starts the event
// loop. shared is the world-scoped store; ns opens per-room namespaces.
func NewRoom(ctx context.Context, cfg Config, logic Logic, shared storage.Store, ns session.Namespacer, busSvc *bus.Service, replicaID string, onEmpty func(string)) *Room {
	r := &Room{
		ID:            cfg.ID,
		cfg:           cfg,
		logic:         logic,
		sessions:      session.NewStore(cfg.ID, shared, ns),
		actions:       make(map[string]*Action),
		conns:         make(map[Connection]struct{}),
		connByPublic:  make(map[string]Connection),
		graceTimers:   make(map[string]*time.Timer),
		shardUpstream: make(map[Connection]map[string]*remoteConn),
		events:        make(chan func(), eventQueue),
		busSvc:        busSvc,
		replicaID:     replicaID,
		onEmpty:       onEmpty,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.root = logic.NewRoot()
	r.engine = state.NewEngine(state.Config{
		SyncInterval:    cfg.ThrottleSync,
		PersistInterval: cfg.ThrottleStorage,
		OnSync:          r.onSyncFlush,
		Store:           ns(cfg.ID),
	})

	uf, ok := state.UsersField(r.root)
	if ok {
		r.users = uf.Sig.(*signal.Map)
	}

	if reg, ok := logic.(ActionRegistrar); ok {
		reg.Register(r)
	}

	r.engine.Bind(r.root)

	if busSvc != nil {
		r.subscribeToBus()
	}

	r.wg.Add(1)
	go r.run()

	metrics.ActiveRooms.Inc()
	logging.Info(r.ctx, "room started", zap.String("room_id", r.ID))
	return r
}

// Engine exposes the sync engine, mainly for logic that toggles manual sync.
func (r *Room) Engine() *state.Engine { return r.engine }

// Root returns the room's root entity.
func (r *Room) Root() state.Entity { return r.root }

// Sessions returns the room's session store.
func (r *Room) Sessions() *session.Store { return r.sessions }

// run drains the mailbox. Handlers never run concurrently; a handler that
// suspends (persistence, inter-room calls) finishes before the next event is
// pulled, so two actions never interleave their state writes.
func (r *Room) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.events:
			fn()
		}
	}
}

// post queues fn onto the event loop. After shutdown fn runs inline so final
// flushes still complete.
func (r *Room) post(fn func()) {
	select {
	case <-r.ctx.Done():
		fn()
	case r.events <- fn:
	}
}

// call runs fn on the event loop and waits for it.
func (r *Room) call(fn func()) {
	done := make(chan struct{})
	r.post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// broadcastJSON serializes once and fans out to every live connection.
func (r *Room) broadcastJSON(msgType string, value any) {
	packet := map[string]any{"type": msgType, "value": value}
	for conn := range r.conns {
		r.sendPacket(conn, packet)
	}
	r.publishToBus(msgType, packet)
}

// sendPacket runs the packet interceptor for the recipient, then sends.
func (r *Room) sendPacket(conn Connection, packet map[string]any) {
	if pi, ok := r.logic.(PacketInterceptor); ok {
		user := r.userForConn(conn)
		if user != nil {
			filtered := pi.InterceptPacket(user, clonePacket(packet), conn)
			if filtered == nil {
				return
			}
			conn.SendJSON(filtered)
			return
		}
	}
	conn.SendJSON(packet)
}

func (r *Room) userForConn(conn Connection) state.Entity {
	if r.users == nil {
		return nil
	}
	pub := conn.State().PublicID
	if pub == "" {
		return nil
	}
	v, ok := r.users.Get(pub)
	if !ok {
		return nil
	}
	u, _ := v.(state.Entity)
	return u
}

// onSyncFlush is invoked by the engine's throttle; it re-enters the event
// loop so broadcasts stay ordered with action effects.
func (r *Room) onSyncFlush(cache map[string]any) {
	r.post(func() {
		r.broadcastJSON("sync", state.Expand(cache))
	})
}

// Broadcast sends an application-defined message to every connection.
func (r *Room) Broadcast(msgType string, value any) {
	r.post(func() {
		r.broadcastJSON(msgType, value)
	})
}

// UserCount returns the number of users currently in the room.
func (r *Room) UserCount() int {
	if r.users == nil {
		return 0
	}
	return r.users.Len()
}

// IsEmpty reports whether the room has no live connections.
func (r *Room) IsEmpty() bool {
	empty := false
	r.call(func() { empty = len(r.conns) == 0 })
	return empty
}

// Shutdown flushes state, closes every connection, and stops the loop.
func (r *Room) Shutdown(ctx context.Context) error {
	r.call(func() {
		for conn := range r.conns {
			conn.Close()
		}
		for _, t := range r.graceTimers {
			t.Stop()
		}
		r.engine.Flush(ctx)
	})

	r.cancel()
	r.engine.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	metrics.ActiveRooms.Dec()
	metrics.RoomUsers.DeleteLabelValues(r.ID)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clonePacket(packet map[string]any) map[string]any {
	cp := make(map[string]any, len(packet))
	for k, v := range packet {
		cp[k] = v
	}
	return cp
}
