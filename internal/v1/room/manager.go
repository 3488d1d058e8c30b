package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/bus"
	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/session"
	"github.com/roomkit-dev/roomkit/internal/v1/state"
	"github.com/roomkit-dev/roomkit/internal/v1/storage"
)

// Blueprint describes how to build instances of one room path: its runtime
// settings and a factory for the application logic. Hibernating blueprints
// defer instantiation until the first join.
type Blueprint struct {
	Config    Config
	Hibernate bool
	NewLogic  func(roomID string) Logic
}

// Manager owns the live rooms of one server replica: instantiation (eager or
// on first join), persisted-state recovery, idle teardown after a grace
// period, and the cross-room plumbing the world service needs.
type Manager struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	pending   map[string]*time.Timer // idle rooms awaiting teardown
	blueprint Blueprint

	shared    storage.Store
	ns        session.Namespacer
	busSvc    *bus.Service
	replicaID string

	cleanupGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager for one blueprint. Non-hibernating rooms are
// still created lazily by id, since ids arrive with connections; Hibernate
// only controls whether an empty room is kept warm after its last leave.
func NewManager(ctx context.Context, bp Blueprint, shared storage.Store, ns session.Namespacer, busSvc *bus.Service, replicaID string, cleanupGrace time.Duration) *Manager {
	m := &Manager{
		rooms:        make(map[string]*Room),
		pending:      make(map[string]*time.Timer),
		blueprint:    bp,
		shared:       shared,
		ns:           ns,
		busSvc:       busSvc,
		replicaID:    replicaID,
		cleanupGrace: cleanupGrace,
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	return m
}

// Get returns the live room with the given id, if any.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// GetOrCreate returns the live room, instantiating it (and replaying its
// persisted state) on first use.
func (m *Manager) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.pending[roomID]; ok {
		t.Stop()
		delete(m.pending, roomID)
	}
	if r, ok := m.rooms[roomID]; ok {
		return r, nil
	}

	cfg := m.blueprint.Config
	cfg.ID = roomID
	r := NewRoom(m.ctx, cfg, m.blueprint.NewLogic(roomID), m.shared, m.ns, m.busSvc, m.replicaID, m.roomEmptied)

	if err := r.engine.Load(ctx); err != nil {
		logging.Warn(ctx, "failed to replay persisted room state",
			zap.String("room_id", roomID), zap.Error(err))
	}

	m.rooms[roomID] = r
	return r, nil
}

// roomEmptied schedules teardown after the grace period so a reconnect burst
// does not thrash room instantiation. Hibernating rooms use the grace; others
// are kept warm until shutdown.
func (m *Manager) roomEmptied(roomID string) {
	if !m.blueprint.Hibernate {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[roomID]; ok {
		return
	}
	m.pending[roomID] = time.AfterFunc(m.cleanupGrace, func() {
		m.teardown(roomID)
	})
}

func (m *Manager) teardown(roomID string) {
	m.mu.Lock()
	delete(m.pending, roomID)
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return
	}

	// Occupancy runs on the room's event loop, and that loop may itself be
	// inside roomEmptied waiting for the manager lock, so it is probed
	// off-lock.
	if !r.IsEmpty() {
		// Someone joined between the empty signal and the timer.
		return
	}

	m.mu.Lock()
	if m.rooms[roomID] != r {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, roomID)
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		logging.Error(ctx, "room teardown failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// PrepareTransfer issues a transfer token on behalf of the source room. The
// source room does not need to be live on this replica; its session records
// are reachable through the namespacer.
func (m *Manager) PrepareTransfer(ctx context.Context, fromRoomID, toRoomID, privateID string, transferData map[string]any) (string, error) {
	store := session.NewStore(fromRoomID, m.shared, m.ns)
	return store.PrepareTransfer(ctx, privateID, toRoomID, transferData)
}

// ApplyRoomState replays a nested state object onto the target room's tree,
// instantiating the room if needed.
func (m *Manager) ApplyRoomState(ctx context.Context, toRoomID string, tree map[string]any) error {
	r, err := m.GetOrCreate(ctx, toRoomID)
	if err != nil {
		return err
	}
	r.call(func() {
		r.engine.Apply(state.Flatten(tree))
	})
	return nil
}

// Shutdown tears down every live room.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, t := range m.pending {
		t.Stop()
	}
	m.pending = make(map[string]*time.Timer)
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown room %s: %w", r.ID, err)
		}
	}
	m.cancel()
	return firstErr
}
