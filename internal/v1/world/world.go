// Package world implements the registry that owns room metadata and the
// shard catalog: placement of new connections onto shards, scaling, and
// heartbeat-based liveness.
package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
	"github.com/roomkit-dev/roomkit/internal/v1/storage"
)

// Strategy selects how connections are placed onto a room's shards.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyLeastConnections Strategy = "least-connections"
	StrategyRandom           Strategy = "random"
)

// ShardStatus is a shard's lifecycle state. Only active shards receive
// placements.
type ShardStatus string

const (
	ShardActive      ShardStatus = "active"
	ShardDraining    ShardStatus = "draining"
	ShardMaintenance ShardStatus = "maintenance"
)

// RoomConfig is the registered metadata for one room.
type RoomConfig struct {
	Name               string   `json:"name"`
	BalancingStrategy  Strategy `json:"balancingStrategy"`
	Public             bool     `json:"public"`
	MaxPlayersPerShard int      `json:"maxPlayersPerShard"`
	MinShards          int      `json:"minShards"`
	MaxShards          int      `json:"maxShards,omitempty"` // 0 = unlimited
}

// ShardInfo is the catalog entry for one shard.
type ShardInfo struct {
	ID                 string      `json:"id"`
	RoomID             string      `json:"roomId"`
	URL                string      `json:"url"`
	CurrentConnections int         `json:"currentConnections"`
	MaxConnections     int         `json:"maxConnections"`
	Status             ShardStatus `json:"status"`
	LastHeartbeat      int64       `json:"lastHeartbeat"`
}

// RoomInfo is the external view of a room and its shards.
type RoomInfo struct {
	Config            RoomConfig  `json:"config"`
	CurrentShardCount int         `json:"currentShardCount"`
	Shards            []ShardInfo `json:"shards"`
}

// Placement is the result of shard selection.
type Placement struct {
	ShardID string `json:"shardId"`
	URL     string `json:"url"`
}

var (
	ErrRoomNotFound   = errors.New("world: room not found")
	ErrShardNotFound  = errors.New("world: shard not found")
	ErrNoActiveShards = errors.New("world: no active shards")
	ErrOverMaxShards  = errors.New("world: target exceeds maxShards")
)

const (
	defaultMaxPlayersPerShard = 100
	defaultMinShards          = 1

	sweepInterval       = time.Minute
	heartbeatStaleAfter = 5 * time.Minute
)

// Catalog snapshot keys in the world's KV namespace.
const (
	keyRooms      = "rooms"
	keyShards     = "shards"
	keyRoomShards = "roomShards"
	keyRRCounters = "rrCounters"
)

// World is the registry for one world id. All catalog state is guarded by a
// single mutex; operations are short and never suspend while holding it.
type World struct {
	ID string

	mu         sync.Mutex
	rooms      map[string]*RoomConfig
	shards     map[string]*ShardInfo
	roomShards map[string]set.Set[string]
	rrCounters map[string]int

	store       storage.Store
	urlTemplate string
	now         func() time.Time
	rng         *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a world registry. urlTemplate builds shard URLs; "{shardId}"
// and "{roomId}" placeholders are substituted at provisioning time. A nil
// store disables catalog persistence.
func New(ctx context.Context, id, urlTemplate string, store storage.Store) *World {
	w := &World{
		ID:          id,
		rooms:       make(map[string]*RoomConfig),
		shards:      make(map[string]*ShardInfo),
		roomShards:  make(map[string]set.Set[string]),
		rrCounters:  make(map[string]int),
		store:       store,
		urlTemplate: urlTemplate,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	return w
}

// Start loads the persisted catalog and begins the heartbeat sweep.
func (w *World) Start(ctx context.Context) error {
	if err := w.load(ctx); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.sweepLoop()
	return nil
}

// Close stops the sweep and persists a final catalog snapshot.
func (w *World) Close(ctx context.Context) error {
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.persistLocked(ctx)
}

// RegisterRoom is idempotent: an absent room is created and provisioned with
// minShards shards; an existing room only has its mutable fields updated.
// Raising minShards on an existing room does not provision shards; explicit
// scaling does.
func (w *World) RegisterRoom(ctx context.Context, roomID string, cfg RoomConfig) (*RoomInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	normalizeConfig(&cfg)
	if cfg.MaxShards > 0 && cfg.MinShards > cfg.MaxShards {
		return nil, fmt.Errorf("%w: minShards %d > maxShards %d", ErrOverMaxShards, cfg.MinShards, cfg.MaxShards)
	}

	if existing, ok := w.rooms[roomID]; ok {
		*existing = cfg
		w.persistAsync(ctx)
		info := w.roomInfoLocked(roomID)
		return info, nil
	}

	w.rooms[roomID] = &cfg
	w.roomShards[roomID] = set.New[string]()
	for i := 0; i < cfg.MinShards; i++ {
		w.provisionShardLocked(roomID, i)
	}

	logging.Info(ctx, "room registered",
		zap.String("world_id", w.ID), zap.String("room_id", roomID),
		zap.Int("min_shards", cfg.MinShards))
	w.persistAsync(ctx)
	return w.roomInfoLocked(roomID), nil
}

func normalizeConfig(cfg *RoomConfig) {
	if cfg.BalancingStrategy == "" {
		cfg.BalancingStrategy = StrategyRoundRobin
	}
	if cfg.MaxPlayersPerShard <= 0 {
		cfg.MaxPlayersPerShard = defaultMaxPlayersPerShard
	}
	if cfg.MinShards <= 0 {
		cfg.MinShards = defaultMinShards
	}
}

// RegisterShard adds an externally provisioned shard to the catalog. The
// room must already exist.
func (w *World) RegisterShard(ctx context.Context, shardID, roomID, url string, maxConnections int) (*ShardInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}

	sh := &ShardInfo{
		ID:             shardID,
		RoomID:         roomID,
		URL:            url,
		MaxConnections: maxConnections,
		Status:         ShardActive,
		LastHeartbeat:  w.now().UnixMilli(),
	}
	w.shards[shardID] = sh
	w.roomShards[roomID].Insert(shardID)

	w.refreshShardGaugesLocked()
	w.persistAsync(ctx)
	return snapshotShard(sh), nil
}

// UpdateShardStats records a heartbeat: connection count and optional status
// change.
func (w *World) UpdateShardStats(ctx context.Context, shardID string, connections int, status ShardStatus) (*ShardInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sh, ok := w.shards[shardID]
	if !ok {
		return nil, ErrShardNotFound
	}

	sh.CurrentConnections = connections
	if status != "" {
		sh.Status = status
	}
	sh.LastHeartbeat = w.now().UnixMilli()

	w.refreshShardGaugesLocked()
	w.persistAsync(ctx)
	return snapshotShard(sh), nil
}

// GetOptimalShard selects a shard for a new connection, auto-creating the
// room and a first shard when allowed.
func (w *World) GetOptimalShard(ctx context.Context, roomID string, autoCreate bool) (*Placement, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room, ok := w.rooms[roomID]
	if !ok {
		if !autoCreate {
			return nil, ErrRoomNotFound
		}
		cfg := RoomConfig{Name: roomID}
		normalizeConfig(&cfg)
		room = &cfg
		w.rooms[roomID] = room
		w.roomShards[roomID] = set.New[string]()
	}

	active := w.activeShardsLocked(roomID)
	if len(active) == 0 {
		if !autoCreate {
			return nil, ErrNoActiveShards
		}
		sh := w.provisionShardLocked(roomID, 0)
		active = []*ShardInfo{sh}
	}

	var chosen *ShardInfo
	switch room.BalancingStrategy {
	case StrategyLeastConnections:
		chosen = active[0]
		for _, sh := range active[1:] {
			if sh.CurrentConnections < chosen.CurrentConnections ||
				(sh.CurrentConnections == chosen.CurrentConnections && sh.ID < chosen.ID) {
				chosen = sh
			}
		}
	case StrategyRandom:
		chosen = active[w.rng.Intn(len(active))]
	default: // round-robin
		counter := w.rrCounters[roomID]
		chosen = active[(counter+1)%len(active)]
		w.rrCounters[roomID] = counter + 1
	}

	metrics.PlacementsTotal.WithLabelValues(string(room.BalancingStrategy)).Inc()
	w.persistAsync(ctx)
	return &Placement{ShardID: chosen.ID, URL: chosen.URL}, nil
}

// sortedIDs returns a set's members in ascending order, so round-robin and
// tie-breaks are deterministic.
func sortedIDs(ids set.Set[string]) []string {
	out := ids.UnsortedList()
	sort.Strings(out)
	return out
}

// activeShardsLocked returns the room's active shards sorted by id.
func (w *World) activeShardsLocked(roomID string) []*ShardInfo {
	ids := w.roomShards[roomID]
	if ids == nil {
		return nil
	}
	out := make([]*ShardInfo, 0, ids.Len())
	for _, id := range sortedIDs(ids) {
		if sh := w.shards[id]; sh != nil && sh.Status == ShardActive {
			out = append(out, sh)
		}
	}
	return out
}

// ScaleShardsForRoom moves the room to the target shard count. Targets below
// minShards are clamped up; targets above a stated maxShards error out.
// Scale-down removes draining shards first, then the least loaded.
func (w *World) ScaleShardsForRoom(ctx context.Context, roomID string, target int, template string) ([]ShardInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room, ok := w.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if room.MaxShards > 0 && target > room.MaxShards {
		return nil, fmt.Errorf("%w: %d > %d", ErrOverMaxShards, target, room.MaxShards)
	}
	if target < room.MinShards {
		target = room.MinShards
	}

	ids := w.roomShards[roomID]
	current := ids.Len()

	switch {
	case target < current:
		victims := w.selectRemovalsLocked(roomID, current-target)
		for _, id := range victims {
			delete(w.shards, id)
			ids.Delete(id)
		}
		logging.Info(ctx, "room scaled down",
			zap.String("room_id", roomID), zap.Strings("removed", victims))

	case target > current:
		ts := w.now().UnixMilli()
		for i := 0; i < target-current; i++ {
			id := fmt.Sprintf("%s-%d-%d", roomID, ts, i)
			url := w.shardURL(template, roomID, id)
			sh := &ShardInfo{
				ID:             id,
				RoomID:         roomID,
				URL:            url,
				MaxConnections: room.MaxPlayersPerShard,
				Status:         ShardActive,
				LastHeartbeat:  ts,
			}
			w.shards[id] = sh
			ids.Insert(id)
		}
		logging.Info(ctx, "room scaled up",
			zap.String("room_id", roomID), zap.Int("added", target-current))
	}

	w.refreshShardGaugesLocked()
	w.persistAsync(ctx)

	out := make([]ShardInfo, 0, ids.Len())
	for _, id := range sortedIDs(ids) {
		out = append(out, *w.shards[id])
	}
	return out, nil
}

// selectRemovalsLocked picks n shards to remove: draining first, then
// ascending connection count, id as the final tie-break.
func (w *World) selectRemovalsLocked(roomID string, n int) []string {
	ids := sortedIDs(w.roomShards[roomID])
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := w.shards[ids[i]], w.shards[ids[j]]
		ad, bd := a.Status == ShardDraining, b.Status == ShardDraining
		if ad != bd {
			return ad
		}
		return a.CurrentConnections < b.CurrentConnections
	})
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}

// provisionShardLocked creates a shard from the world's URL template.
func (w *World) provisionShardLocked(roomID string, index int) *ShardInfo {
	room := w.rooms[roomID]
	id := fmt.Sprintf("%s-%d-%d", roomID, w.now().UnixMilli(), index)
	sh := &ShardInfo{
		ID:             id,
		RoomID:         roomID,
		URL:            w.shardURL("", roomID, id),
		MaxConnections: room.MaxPlayersPerShard,
		Status:         ShardActive,
		LastHeartbeat:  w.now().UnixMilli(),
	}
	w.shards[id] = sh
	w.roomShards[roomID].Insert(id)
	w.refreshShardGaugesLocked()
	return sh
}

func (w *World) shardURL(template, roomID, shardID string) string {
	t := template
	if t == "" {
		t = w.urlTemplate
	}
	t = strings.ReplaceAll(t, "{roomId}", roomID)
	return strings.ReplaceAll(t, "{shardId}", shardID)
}

// RoomInfoFor returns the external view of one room.
func (w *World) RoomInfoFor(roomID string) (*RoomInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.roomInfoLocked(roomID)
	if info == nil {
		return nil, ErrRoomNotFound
	}
	return info, nil
}

// RoomInfos returns the external view of every registered room.
func (w *World) RoomInfos() []RoomInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.rooms))
	for id := range w.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]RoomInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, *w.roomInfoLocked(id))
	}
	return out
}

func (w *World) roomInfoLocked(roomID string) *RoomInfo {
	room, ok := w.rooms[roomID]
	if !ok {
		return nil
	}
	ids := w.roomShards[roomID]
	shards := make([]ShardInfo, 0, ids.Len())
	for _, id := range sortedIDs(ids) {
		shards = append(shards, *w.shards[id])
	}
	return &RoomInfo{Config: *room, CurrentShardCount: len(shards), Shards: shards}
}

// sweepLoop reaps shards that stop heartbeating: one stale interval flips an
// active shard to draining, a second removes it.
func (w *World) sweepLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(w.ctx)
		}
	}
}

// Sweep applies the liveness policy once. Exported so tests and operator
// endpoints can force a pass.
func (w *World) Sweep(ctx context.Context) {
	cutoff := w.now().Add(-heartbeatStaleAfter).UnixMilli()

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for id, sh := range w.shards {
		if sh.LastHeartbeat >= cutoff {
			continue
		}
		switch sh.Status {
		case ShardActive, ShardMaintenance:
			sh.Status = ShardDraining
			changed = true
			logging.Warn(ctx, "shard missed heartbeats, draining",
				zap.String("world_id", w.ID), zap.String("shard_id", id))
		case ShardDraining:
			delete(w.shards, id)
			if ids := w.roomShards[sh.RoomID]; ids != nil {
				ids.Delete(id)
			}
			changed = true
			logging.Warn(ctx, "stale shard removed",
				zap.String("world_id", w.ID), zap.String("shard_id", id))
		}
	}

	if changed {
		w.refreshShardGaugesLocked()
		w.persistAsync(ctx)
	}
}

func (w *World) refreshShardGaugesLocked() {
	counts := map[ShardStatus]int{ShardActive: 0, ShardDraining: 0, ShardMaintenance: 0}
	for _, sh := range w.shards {
		counts[sh.Status]++
	}
	for status, n := range counts {
		metrics.RegisteredShards.WithLabelValues(string(status)).Set(float64(n))
	}
}

func snapshotShard(sh *ShardInfo) *ShardInfo {
	cp := *sh
	return &cp
}

// persistAsync writes the catalog snapshot without blocking the caller's
// critical section longer than the marshal. Must be called with mu held.
func (w *World) persistAsync(ctx context.Context) {
	if w.store == nil {
		return
	}
	if err := w.persistLocked(ctx); err != nil {
		logging.Error(ctx, "catalog persist failed", zap.String("world_id", w.ID), zap.Error(err))
	}
}

func (w *World) persistLocked(ctx context.Context) error {
	if w.store == nil {
		return nil
	}

	roomShards := make(map[string][]string, len(w.roomShards))
	for id, ids := range w.roomShards {
		roomShards[id] = sortedIDs(ids)
	}

	snapshots := map[string]any{
		keyRooms:      w.rooms,
		keyShards:     w.shards,
		keyRoomShards: roomShards,
		keyRRCounters: w.rrCounters,
	}
	for key, v := range snapshots {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := w.store.Put(ctx, key, raw); err != nil {
			return err
		}
	}
	return nil
}

// load restores the catalog snapshot written by persistLocked.
func (w *World) load(ctx context.Context) error {
	if w.store == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := loadKey(ctx, w.store, keyRooms, &w.rooms); err != nil {
		return err
	}
	if err := loadKey(ctx, w.store, keyShards, &w.shards); err != nil {
		return err
	}
	var roomShards map[string][]string
	if err := loadKey(ctx, w.store, keyRoomShards, &roomShards); err != nil {
		return err
	}
	for id, ids := range roomShards {
		w.roomShards[id] = set.New(ids...)
	}
	if err := loadKey(ctx, w.store, keyRRCounters, &w.rrCounters); err != nil {
		return err
	}

	// Rooms restored without a shard set (older snapshots) still need one.
	for id := range w.rooms {
		if w.roomShards[id] == nil {
			w.roomShards[id] = set.New[string]()
		}
	}

	w.refreshShardGaugesLocked()
	return nil
}

func loadKey(ctx context.Context, store storage.Store, key string, out any) error {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
