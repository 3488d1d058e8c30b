package signal

import "sync"

// Map holds a keyed collection and emits {add|update|remove} with the key, or
// {reset} with the full value. Collections of nested entities declare their
// element factory via WithClassType.
type Map struct {
	subscribers
	valueMu sync.RWMutex
	items   map[string]any
	opts    Options
}

// NewMap creates an empty map signal.
func NewMap(opts ...Option) *Map {
	return &Map{items: make(map[string]any), opts: buildOptions(opts)}
}

// Options returns the signal's pipeline options.
func (m *Map) Options() Options { return m.opts }

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	recordDependency(m)
	m.valueMu.RLock()
	defer m.valueMu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	m.valueMu.RLock()
	defer m.valueMu.RUnlock()
	_, ok := m.items[key]
	return ok
}

// Len returns the number of keys.
func (m *Map) Len() int {
	m.valueMu.RLock()
	defer m.valueMu.RUnlock()
	return len(m.items)
}

// Keys returns the current key set.
func (m *Map) Keys() []string {
	m.valueMu.RLock()
	defer m.valueMu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the backing map.
func (m *Map) Snapshot() map[string]any {
	recordDependency(m)
	m.valueMu.RLock()
	defer m.valueMu.RUnlock()
	cp := make(map[string]any, len(m.items))
	for k, v := range m.items {
		cp[k] = v
	}
	return cp
}

// SetKey stores value under key, emitting add for new keys and update for
// existing ones.
func (m *Map) SetKey(key string, value any) {
	m.valueMu.Lock()
	_, existed := m.items[key]
	m.items[key] = value
	m.valueMu.Unlock()

	kind := ChangeAdd
	if existed {
		kind = ChangeUpdate
	}
	m.emit(Change{Kind: kind, Key: key, Value: value})
}

// Delete removes key and emits a remove event. Deleting an absent key is a
// no-op.
func (m *Map) Delete(key string) {
	m.valueMu.Lock()
	_, existed := m.items[key]
	delete(m.items, key)
	m.valueMu.Unlock()

	if existed {
		m.emit(Change{Kind: ChangeRemove, Key: key})
	}
}

// Set replaces the whole map and emits a reset.
func (m *Map) Set(items map[string]any) {
	cp := make(map[string]any, len(items))
	for k, v := range items {
		cp[k] = v
	}

	m.valueMu.Lock()
	m.items = cp
	m.valueMu.Unlock()

	m.emit(Change{Kind: ChangeReset, Value: cp})
}

// Subscribe registers an observer; the returned func unsubscribes it.
func (m *Map) Subscribe(fn Subscriber) func() {
	return m.add(fn)
}
