package world

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/set"

	"github.com/roomkit-dev/roomkit/internal/v1/storage"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w := New(context.Background(), "world-1", "ws://shards.test/parties/room/{shardId}", nil)
	t.Cleanup(func() { w.cancel() })
	return w
}

func registerRoomWithShards(t *testing.T, w *World, roomID string, shardIDs ...string) {
	t.Helper()
	_, err := w.RegisterRoom(context.Background(), roomID, RoomConfig{
		Name:      roomID,
		MinShards: 0, // shards registered explicitly below
	})
	require.NoError(t, err)

	// RegisterRoom normalizes MinShards to 1 and provisions; strip the
	// auto-provisioned shards so the explicit set is authoritative.
	w.mu.Lock()
	for _, id := range w.roomShards[roomID].UnsortedList() {
		delete(w.shards, id)
	}
	w.roomShards[roomID] = set.New[string]()
	w.mu.Unlock()

	for _, id := range shardIDs {
		_, err := w.RegisterShard(context.Background(), id, roomID, "ws://"+id, 100)
		require.NoError(t, err)
	}
}

func TestRegisterRoomProvisionsMinShards(t *testing.T) {
	w := newTestWorld(t)

	info, err := w.RegisterRoom(context.Background(), "arena", RoomConfig{Name: "arena", MinShards: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, info.CurrentShardCount)
	for _, sh := range info.Shards {
		assert.Equal(t, "arena", sh.RoomID)
		assert.Equal(t, ShardActive, sh.Status)
		assert.Contains(t, sh.URL, "ws://shards.test/parties/room/")
	}
}

func TestRegisterRoomIsIdempotent(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	first, err := w.RegisterRoom(ctx, "arena", RoomConfig{Name: "arena", MinShards: 2})
	require.NoError(t, err)

	// Re-registering with a higher minShards updates config only.
	second, err := w.RegisterRoom(ctx, "arena", RoomConfig{Name: "arena", MinShards: 4})
	require.NoError(t, err)

	assert.Equal(t, first.CurrentShardCount, second.CurrentShardCount,
		"config update must not provision shards")
	assert.Equal(t, 4, second.Config.MinShards)
}

func TestRegisterShardUnknownRoom(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.RegisterShard(context.Background(), "s1", "ghost", "ws://s1", 10)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoundRobinPlacementIsCyclic(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "s0", "s1", "s2")
	ctx := context.Background()

	var picks []string
	for i := 0; i < 6; i++ {
		p, err := w.GetOptimalShard(ctx, "arena", false)
		require.NoError(t, err)
		picks = append(picks, p.ShardID)
	}

	// Strictly cyclic with some starting offset.
	for i := 3; i < 6; i++ {
		assert.Equal(t, picks[i-3], picks[i])
	}
	assert.ElementsMatch(t, []string{"s0", "s1", "s2"}, picks[:3])
}

func TestLeastConnectionsPlacement(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "s0", "s1", "s2")
	ctx := context.Background()

	w.mu.Lock()
	w.rooms["arena"].BalancingStrategy = StrategyLeastConnections
	w.mu.Unlock()

	_, err := w.UpdateShardStats(ctx, "s0", 10, "")
	require.NoError(t, err)
	_, err = w.UpdateShardStats(ctx, "s1", 2, "")
	require.NoError(t, err)
	_, err = w.UpdateShardStats(ctx, "s2", 5, "")
	require.NoError(t, err)

	p, err := w.GetOptimalShard(ctx, "arena", false)
	require.NoError(t, err)
	assert.Equal(t, "s1", p.ShardID)
}

func TestLeastConnectionsTieBreaksOnLowestID(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "s1", "s0")
	ctx := context.Background()

	w.mu.Lock()
	w.rooms["arena"].BalancingStrategy = StrategyLeastConnections
	w.mu.Unlock()

	p, err := w.GetOptimalShard(ctx, "arena", false)
	require.NoError(t, err)
	assert.Equal(t, "s0", p.ShardID)
}

func TestPlacementSkipsNonActiveShards(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "s0", "s1")
	ctx := context.Background()

	_, err := w.UpdateShardStats(ctx, "s0", 0, ShardDraining)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		p, err := w.GetOptimalShard(ctx, "arena", false)
		require.NoError(t, err)
		assert.Equal(t, "s1", p.ShardID)
	}
}

func TestPlacementErrors(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	_, err := w.GetOptimalShard(ctx, "ghost", false)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	registerRoomWithShards(t, w, "empty")
	_, err = w.GetOptimalShard(ctx, "empty", false)
	assert.ErrorIs(t, err, ErrNoActiveShards)
}

func TestAutoCreateProvisionsRoomAndShard(t *testing.T) {
	w := newTestWorld(t)

	p, err := w.GetOptimalShard(context.Background(), "fresh", true)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ShardID)
	assert.Contains(t, p.URL, "ws://shards.test/parties/room/")

	info, err := w.RoomInfoFor("fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, info.CurrentShardCount)
}

func TestScaleUpAssignsTimestampedIDs(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "s0")

	shards, err := w.ScaleShardsForRoom(context.Background(), "arena", 3, "")
	require.NoError(t, err)
	assert.Len(t, shards, 3)
	for _, sh := range shards {
		if sh.ID == "s0" {
			continue
		}
		assert.Contains(t, sh.ID, "arena-")
	}
}

func TestScaleDownPrefersDraining(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "h0", "h1", "h2")
	ctx := context.Background()

	_, err := w.UpdateShardStats(ctx, "h1", 0, ShardDraining)
	require.NoError(t, err)

	shards, err := w.ScaleShardsForRoom(ctx, "arena", 2, "")
	require.NoError(t, err)

	ids := make([]string, 0, len(shards))
	for _, sh := range shards {
		ids = append(ids, sh.ID)
	}
	assert.ElementsMatch(t, []string{"h0", "h2"}, ids)
}

func TestScaleDownThenLeastLoaded(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "h0", "h1", "h2")
	ctx := context.Background()

	_, err := w.UpdateShardStats(ctx, "h0", 9, "")
	require.NoError(t, err)
	_, err = w.UpdateShardStats(ctx, "h1", 1, "")
	require.NoError(t, err)
	_, err = w.UpdateShardStats(ctx, "h2", 5, "")
	require.NoError(t, err)

	shards, err := w.ScaleShardsForRoom(ctx, "arena", 1, "")
	require.NoError(t, err)

	// minShards clamps to 1; the least-loaded shards go first, so the
	// busiest survives.
	require.Len(t, shards, 1)
	assert.Equal(t, "h0", shards[0].ID)
}

func TestScaleBounds(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	_, err := w.RegisterRoom(ctx, "arena", RoomConfig{Name: "arena", MinShards: 2, MaxShards: 4})
	require.NoError(t, err)

	_, err = w.ScaleShardsForRoom(ctx, "arena", 5, "")
	assert.ErrorIs(t, err, ErrOverMaxShards)

	// Below minShards clamps up instead of erroring.
	shards, err := w.ScaleShardsForRoom(ctx, "arena", 0, "")
	require.NoError(t, err)
	assert.Len(t, shards, 2)

	_, err = w.ScaleShardsForRoom(ctx, "ghost", 2, "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSweepDrainsThenRemovesStaleShards(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "s0", "s1")
	ctx := context.Background()

	// s0's heartbeat is 6 minutes old.
	stale := time.Now().Add(-6 * time.Minute)
	w.mu.Lock()
	w.shards["s0"].LastHeartbeat = stale.UnixMilli()
	w.mu.Unlock()

	w.Sweep(ctx)

	w.mu.Lock()
	assert.Equal(t, ShardDraining, w.shards["s0"].Status)
	assert.Equal(t, ShardActive, w.shards["s1"].Status)
	w.mu.Unlock()

	// Draining shards are excluded from placement.
	p, err := w.GetOptimalShard(ctx, "arena", false)
	require.NoError(t, err)
	assert.Equal(t, "s1", p.ShardID)

	// Still stale on the next sweep: removed entirely.
	w.Sweep(ctx)
	w.mu.Lock()
	_, exists := w.shards["s0"]
	w.mu.Unlock()
	assert.False(t, exists)

	info, err := w.RoomInfoFor("arena")
	require.NoError(t, err)
	assert.Equal(t, 1, info.CurrentShardCount)
}

func TestHeartbeatResetsStaleness(t *testing.T) {
	w := newTestWorld(t)
	registerRoomWithShards(t, w, "arena", "s0")
	ctx := context.Background()

	w.mu.Lock()
	w.shards["s0"].LastHeartbeat = time.Now().Add(-6 * time.Minute).UnixMilli()
	w.mu.Unlock()

	_, err := w.UpdateShardStats(ctx, "s0", 3, "")
	require.NoError(t, err)

	w.Sweep(ctx)
	w.mu.Lock()
	assert.Equal(t, ShardActive, w.shards["s0"].Status)
	w.mu.Unlock()
}

func TestCatalogPersistsAcrossRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	w1 := New(ctx, "world-1", "ws://shards.test/{shardId}", store)
	_, err := w1.RegisterRoom(ctx, "arena", RoomConfig{Name: "arena", MinShards: 2})
	require.NoError(t, err)
	require.NoError(t, w1.Close(ctx))

	w2 := New(ctx, "world-1", "ws://shards.test/{shardId}", store)
	require.NoError(t, w2.load(ctx))

	info, err := w2.RoomInfoFor("arena")
	require.NoError(t, err)
	assert.Equal(t, 2, info.CurrentShardCount)
	assert.Equal(t, 2, info.Config.MinShards)
}

func TestRoomInfosListsAllRooms(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	_, err := w.RegisterRoom(ctx, "a", RoomConfig{Name: "a"})
	require.NoError(t, err)
	_, err = w.RegisterRoom(ctx, "b", RoomConfig{Name: "b"})
	require.NoError(t, err)

	infos := w.RoomInfos()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Config.Name)
	assert.Equal(t, "b", infos[1].Config.Name)
}
