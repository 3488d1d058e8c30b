package state

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/signal"
)

// Expand folds a flat dotted-path map into a nested object. Leaves are either
// values or the Delete sentinel string; a later structural write wins over an
// earlier leaf at the same segment.
func Expand(flat map[string]any) map[string]any {
	out := make(map[string]any)

	// Deterministic order so structural writes are stable.
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		segs := strings.Split(p, ".")
		node := out
		for i := 0; i < len(segs)-1; i++ {
			child, ok := node[segs[i]].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[segs[i]] = child
			}
			node = child
		}
		last := segs[len(segs)-1]
		if _, structural := node[last].(map[string]any); !structural {
			node[last] = flat[p]
		}
	}
	return out
}

// Flatten is the inverse of Expand: it unrolls a nested object into dotted
// leaf paths. Non-map leaves (including the Delete sentinel) terminate a
// path; empty maps produce no entries.
func Flatten(tree map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]any, prefix string, node map[string]any) {
	for k, v := range node {
		p := joinPath(prefix, k)
		if child, ok := v.(map[string]any); ok {
			flattenInto(out, p, child)
			continue
		}
		out[p] = v
	}
}

// Apply replays a flat path map into the live tree: the client reload
// algorithm. Parents apply before children; Delete sentinels remove map
// entries. Unknown fields are skipped.
func (e *Engine) Apply(leaves map[string]any) {
	if e.root == nil {
		return
	}

	paths := make([]string, 0, len(leaves))
	for p := range leaves {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		e.applyPath(e.root, strings.Split(p, "."), leaves[p])
	}
}

func (e *Engine) applyPath(ent Entity, segs []string, value any) {
	if len(segs) == 0 {
		return
	}
	f, ok := fieldByName(ent, segs[0])
	if !ok {
		return
	}

	switch f.Kind {
	case KindScalar:
		if len(segs) == 1 && !isDelete(value) {
			f.Sig.(*signal.Scalar).Set(value)
		}

	case KindComputed:
		// Derived values are recomputed, never loaded.

	case KindArray:
		if len(segs) != 2 {
			return
		}
		idx, err := strconv.Atoi(segs[1])
		if err != nil || idx < 0 {
			return
		}
		a := f.Sig.(*signal.Array)
		if isDelete(value) {
			a.Splice(idx, 1)
			return
		}
		for a.Len() <= idx {
			a.Push(nil)
		}
		a.SetIndex(idx, value)

	case KindMap:
		if len(segs) < 2 {
			return
		}
		m := f.Sig.(*signal.Map)
		key := segs[1]
		if len(segs) == 2 {
			if isDelete(value) {
				m.Delete(key)
			} else {
				m.SetKey(key, value)
			}
			return
		}

		// Deeper path: the entry is a nested entity; instantiate it via the
		// declared class type on first sight.
		entry, exists := m.Get(key)
		if !exists {
			factory := m.Options().ClassType
			if factory == nil {
				return
			}
			entry = factory()
			m.SetKey(key, entry)
		}
		child, ok := entry.(Entity)
		if !ok {
			return
		}
		e.applyPath(child, segs[2:], value)
	}
}

// reservedKeys are KV records that are not state-tree leaves.
var reservedKeys = map[string]struct{}{
	".":          {},
	"rooms":      {},
	"shards":     {},
	"roomShards": {},
	"rrCounters": {},
}

// Load reads persisted leaves from the store and replays them into the tree.
// Session, transfer and catalog records share the namespace and are skipped:
// they carry a ':' or are reserved names, which dotted leaf paths never are.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	raw, err := e.store.List(ctx, "")
	if err != nil {
		return err
	}

	leaves := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.Contains(k, ":") {
			continue
		}
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			logging.Warn(ctx, "skipping unreadable persisted leaf", zap.String("path", k), zap.Error(err))
			continue
		}
		leaves[k] = value
	}

	// Replayed leaves must not flush mid-apply: a partial flush would write
	// still-unapplied zero values over their stored counterparts.
	e.setPersistHold(true)
	e.Apply(leaves)
	e.setPersistHold(false)
	return nil
}

// ScalarSnapshot returns a bag of the entity's scalar fields. When
// persistOnly is set, fields persisted with Persist=false are excluded.
// Nested maps and arrays are skipped at the scalar level.
func ScalarSnapshot(ent Entity, persistOnly bool) map[string]any {
	bag := make(map[string]any)
	for _, f := range ent.Fields() {
		if f.Kind != KindScalar {
			continue
		}
		sc := f.Sig.(*signal.Scalar)
		if persistOnly && !sc.Options().Persist {
			continue
		}
		bag[f.Name] = sc.Peek()
	}
	return bag
}

// RestoreScalars sets the entity's scalar fields from a saved bag. Unknown
// names are ignored.
func RestoreScalars(ent Entity, bag map[string]any) {
	for name, value := range bag {
		f, ok := fieldByName(ent, name)
		if !ok || f.Kind != KindScalar {
			continue
		}
		f.Sig.(*signal.Scalar).Set(value)
	}
}
