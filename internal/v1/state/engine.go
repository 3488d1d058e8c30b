package state

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
	"github.com/roomkit-dev/roomkit/internal/v1/signal"
	"github.com/roomkit-dev/roomkit/internal/v1/storage"
)

// Config configures an Engine.
type Config struct {
	// SyncInterval throttles sync broadcasts (default 500ms; 0 disables
	// throttling, flushing synchronously on every change).
	SyncInterval time.Duration
	// PersistInterval throttles durability flushes (default 2s).
	PersistInterval time.Duration
	// OnSync receives the drained sync cache: dotted path to value, with
	// Delete sentinels where keys were removed.
	OnSync func(values map[string]any)
	// Store receives persist flushes. Nil disables persistence.
	Store storage.Store
}

// Engine owns the two diff buffers at the root of a state tree. Binding an
// entity installs a subscriber on every signal field that converts change
// events into cache writes; throttled callbacks drain the caches.
type Engine struct {
	mu           sync.Mutex
	syncCache    map[string]any
	persistCache map[string]any
	snapshot     map[string]any
	autoSync     bool
	holdPersist  bool

	arrayLens map[string]int
	mapKeys   map[string]map[string]struct{}

	root   Entity
	onSync func(map[string]any)
	store  storage.Store

	syncThrottle    *Throttle
	persistThrottle *Throttle
}

// NewEngine creates an engine. Bind must be called before mutations flow.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		syncCache:    make(map[string]any),
		persistCache: make(map[string]any),
		snapshot:     make(map[string]any),
		autoSync:     true,
		arrayLens:    make(map[string]int),
		mapKeys:      make(map[string]map[string]struct{}),
		onSync:       cfg.OnSync,
		store:        cfg.Store,
	}
	e.syncThrottle = NewThrottle(cfg.SyncInterval, e.flushSync)
	e.persistThrottle = NewThrottle(cfg.PersistInterval, e.flushPersistAsync)
	return e
}

// Bind installs the engine on a root entity and emits its initial state into
// the caches. The initial emission stays in the persist cache without
// flushing: leaves already in the store must survive until Load replays them,
// and the first real mutation flushes the merged state.
func (e *Engine) Bind(root Entity) {
	e.root = root
	e.setPersistHold(true)
	e.bindEntity(root, "")
	e.setPersistHold(false)
}

func (e *Engine) setPersistHold(on bool) {
	e.mu.Lock()
	e.holdPersist = on
	e.mu.Unlock()
}

// Root returns the bound root entity.
func (e *Engine) Root() Entity { return e.root }

// bindEntity attaches the ambient handles and subscribes to every field.
// Paths are fixed here: a child signal's path is always parent.path + "." +
// localName, stable from first emission until removal.
func (e *Engine) bindEntity(ent Entity, path string) {
	if nc, ok := ent.(nodeCarrier); ok {
		nc.attach(path, e)
	}

	for _, f := range ent.Fields() {
		propPath := joinPath(path, f.Name)
		switch f.Kind {
		case KindScalar:
			e.bindScalar(propPath, f.Sig.(*signal.Scalar))
		case KindComputed:
			e.bindComputed(propPath, f.Sig.(*signal.Computed))
		case KindArray:
			e.bindArray(propPath, f.Sig.(*signal.Array))
		case KindMap:
			e.bindMap(propPath, f.Sig.(*signal.Map))
		}
	}
}

func (e *Engine) bindScalar(propPath string, sc *signal.Scalar) {
	opts := sc.Options()
	e.write(propPath, sc.Peek(), opts)
	sc.Subscribe(func(ch signal.Change) {
		e.write(propPath, ch.Value, opts)
	})
}

func (e *Engine) bindComputed(propPath string, c *signal.Computed) {
	opts := c.Options()
	c.Subscribe(func(ch signal.Change) {
		e.write(propPath, ch.Value, opts)
	})
	e.write(propPath, c.Get(), opts)
}

func (e *Engine) bindArray(propPath string, a *signal.Array) {
	opts := a.Options()
	e.resyncArray(propPath, a, 0, opts)
	a.Subscribe(func(ch signal.Change) {
		switch ch.Kind {
		case signal.ChangeUpdate:
			for j, item := range ch.Items {
				e.write(indexPath(propPath, ch.Index+j), item, opts)
			}
		case signal.ChangeAdd, signal.ChangeRemove:
			// Insertions and removals shift the tail, so everything from
			// the affected index onward is re-emitted.
			e.resyncArray(propPath, a, ch.Index, opts)
		case signal.ChangeReset:
			e.resyncArray(propPath, a, 0, opts)
		}
	})
}

// resyncArray rewrites entries from index from onward and tombstones indices
// past the new length.
func (e *Engine) resyncArray(propPath string, a *signal.Array, from int, opts signal.Options) {
	items := a.Get()
	for i := from; i < len(items); i++ {
		e.write(indexPath(propPath, i), items[i], opts)
	}

	e.mu.Lock()
	oldLen := e.arrayLens[propPath]
	e.arrayLens[propPath] = len(items)
	e.mu.Unlock()

	for i := len(items); i < oldLen; i++ {
		e.write(indexPath(propPath, i), Delete, opts)
	}
}

func (e *Engine) bindMap(propPath string, m *signal.Map) {
	opts := m.Options()
	for key, value := range m.Snapshot() {
		e.mapEntrySet(propPath, key, value, opts)
	}
	m.Subscribe(func(ch signal.Change) {
		switch ch.Kind {
		case signal.ChangeAdd, signal.ChangeUpdate:
			e.mapEntrySet(propPath, ch.Key, ch.Value, opts)
		case signal.ChangeRemove:
			e.mapEntryDelete(propPath, ch.Key, opts)
		case signal.ChangeReset:
			next, _ := ch.Value.(map[string]any)
			e.mu.Lock()
			old := e.mapKeys[propPath]
			stale := make([]string, 0)
			for k := range old {
				if _, keep := next[k]; !keep {
					stale = append(stale, k)
				}
			}
			e.mu.Unlock()
			for _, k := range stale {
				e.mapEntryDelete(propPath, k, opts)
			}
			for k, v := range next {
				e.mapEntrySet(propPath, k, v, opts)
			}
		}
	})
}

// mapEntrySet handles an added or updated map entry. Entity values get the
// engine installed on their subtree at propPath.key and emit their initial
// state; scalar values are written directly.
func (e *Engine) mapEntrySet(propPath, key string, value any, opts signal.Options) {
	e.mu.Lock()
	if e.mapKeys[propPath] == nil {
		e.mapKeys[propPath] = make(map[string]struct{})
	}
	e.mapKeys[propPath][key] = struct{}{}
	e.mu.Unlock()

	if child, ok := value.(Entity); ok {
		e.bindEntity(child, joinPath(propPath, key))
		return
	}
	e.write(joinPath(propPath, key), value, opts)
}

func (e *Engine) mapEntryDelete(propPath, key string, opts signal.Options) {
	e.mu.Lock()
	delete(e.mapKeys[propPath], key)
	e.mu.Unlock()

	e.write(joinPath(propPath, key), Delete, opts)
}

// write applies the cache rules for one dotted path. Transform runs before
// the caches see the value, never on the delete sentinel.
func (e *Engine) write(path string, value any, opts signal.Options) {
	if !isDelete(value) && opts.Transform != nil {
		value = opts.Transform(value)
	}

	e.mu.Lock()
	syncDirty := false
	persistDirty := false
	if opts.SyncToClient {
		e.syncCache[path] = value
		e.foldSnapshotLocked(path, value)
		syncDirty = true
	}
	if opts.Persist {
		e.persistCache[path] = value
		persistDirty = true
	}
	auto := e.autoSync
	hold := e.holdPersist
	e.mu.Unlock()

	if syncDirty && auto {
		e.syncThrottle.Trigger()
	}
	if persistDirty && e.store != nil && !hold {
		e.persistThrottle.Trigger()
	}
}

// foldSnapshotLocked maintains the cumulative full-state snapshot used as the
// initial sync payload for joining clients. Deletes remove the key and its
// subtree.
func (e *Engine) foldSnapshotLocked(path string, value any) {
	if isDelete(value) {
		delete(e.snapshot, path)
		for k := range e.snapshot {
			if hasPathPrefix(k, path) {
				delete(e.snapshot, k)
			}
		}
		return
	}
	e.snapshot[path] = value
}

// Snapshot returns a copy of the cumulative flat snapshot.
func (e *Engine) Snapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(map[string]any, len(e.snapshot))
	for k, v := range e.snapshot {
		cp[k] = v
	}
	return cp
}

// SnapshotTree returns the snapshot folded into a nested object.
func (e *Engine) SnapshotTree() map[string]any {
	return Expand(e.Snapshot())
}

// SetAutoSync toggles automatic sync flushing. While disabled, subscribers
// keep populating the sync cache but the sync callback is not invoked until
// ApplySync. Pending entries survive mode flips: re-enabling auto-sync
// flushes them on the first mutation after the flip.
func (e *Engine) SetAutoSync(enabled bool) {
	e.mu.Lock()
	e.autoSync = enabled
	e.mu.Unlock()
}

// AutoSync reports whether automatic flushing is enabled.
func (e *Engine) AutoSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoSync
}

// ApplySync drains the pending sync cache and invokes the sync callback
// immediately, regardless of mode.
func (e *Engine) ApplySync() {
	e.flushSync()
}

func (e *Engine) flushSync() {
	e.mu.Lock()
	if len(e.syncCache) == 0 {
		e.mu.Unlock()
		return
	}
	cache := e.syncCache
	e.syncCache = make(map[string]any)
	e.mu.Unlock()

	metrics.SyncFlushesTotal.Inc()
	metrics.SyncPathsFlushed.Add(float64(len(cache)))

	if e.onSync != nil {
		e.onSync(cache)
	}
}

func (e *Engine) flushPersistAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.FlushPersist(ctx)
}

// FlushPersist drains the persist cache into the store. Values are written
// one leaf per dotted path; deletes remove the leaf and every key under it,
// so loaders rebuild the tree from the surviving leaf map. Root-level scalar
// writes additionally refresh the root scalar bag under the reserved "."
// key. Storage errors are logged; in-memory state stays authoritative and
// dirty paths retry on the next flush.
func (e *Engine) FlushPersist(ctx context.Context) {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	if len(e.persistCache) == 0 {
		e.mu.Unlock()
		return
	}
	cache := e.persistCache
	e.persistCache = make(map[string]any)
	e.mu.Unlock()

	metrics.PersistFlushesTotal.Inc()

	rootDirty := false
	failed := make(map[string]any)
	for path, value := range cache {
		var err error
		if isDelete(value) {
			err = e.deleteSubtree(ctx, path)
		} else {
			var raw []byte
			raw, err = json.Marshal(value)
			if err == nil {
				err = e.store.Put(ctx, path, raw)
			}
		}
		if err != nil {
			logging.Error(ctx, "persist flush failed", zap.String("path", path), zap.Error(err))
			failed[path] = value
			continue
		}
		if !hasDot(path) {
			rootDirty = true
		}
	}

	if rootDirty && e.root != nil {
		bag := ScalarSnapshot(e.root, true)
		if raw, err := json.Marshal(bag); err == nil {
			if err := e.store.Put(ctx, ".", raw); err != nil {
				logging.Error(ctx, "root bag persist failed", zap.Error(err))
			}
		}
	}

	// Re-queue failures so the next flush retries them.
	if len(failed) > 0 {
		e.mu.Lock()
		for p, v := range failed {
			if _, overwritten := e.persistCache[p]; !overwritten {
				e.persistCache[p] = v
			}
		}
		e.mu.Unlock()
	}
}

func (e *Engine) deleteSubtree(ctx context.Context, path string) error {
	if err := e.store.Delete(ctx, path); err != nil {
		return err
	}
	children, err := e.store.List(ctx, path+".")
	if err != nil {
		return err
	}
	for k := range children {
		if err := e.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces both caches out immediately. Used on shutdown.
func (e *Engine) Flush(ctx context.Context) {
	e.flushSync()
	e.FlushPersist(ctx)
}

// Close stops the throttle timers. Pending work should be flushed first.
func (e *Engine) Close() {
	e.syncThrottle.Stop()
	e.persistThrottle.Stop()
}

func isDelete(v any) bool {
	s, ok := v.(string)
	return ok && s == Delete
}

func hasDot(p string) bool {
	for i := 0; i < len(p); i++ {
		if p[i] == '.' {
			return true
		}
	}
	return false
}

func indexPath(propPath string, i int) string {
	return joinPath(propPath, strconv.Itoa(i))
}
