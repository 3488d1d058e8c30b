package signal

import "sync"

// Array holds an ordered collection and emits indexed change events:
// push/unshift/insert are "add", pop/shift/removal are "remove", in-place
// replacement is "update", and whole-array assignment is "reset".
type Array struct {
	subscribers
	valueMu sync.RWMutex
	items   []any
	opts    Options
}

// NewArray creates an array signal with the given initial items.
func NewArray(items []any, opts ...Option) *Array {
	cp := make([]any, len(items))
	copy(cp, items)
	return &Array{items: cp, opts: buildOptions(opts)}
}

// Options returns the signal's pipeline options.
func (a *Array) Options() Options { return a.opts }

// Get returns a copy of the current items.
func (a *Array) Get() []any {
	recordDependency(a)
	a.valueMu.RLock()
	defer a.valueMu.RUnlock()
	cp := make([]any, len(a.items))
	copy(cp, a.items)
	return cp
}

// Len returns the current item count.
func (a *Array) Len() int {
	a.valueMu.RLock()
	defer a.valueMu.RUnlock()
	return len(a.items)
}

// At returns the item at index i, or nil when out of range.
func (a *Array) At(i int) any {
	a.valueMu.RLock()
	defer a.valueMu.RUnlock()
	if i < 0 || i >= len(a.items) {
		return nil
	}
	return a.items[i]
}

// Set replaces the whole array and emits a reset.
func (a *Array) Set(items []any) {
	cp := make([]any, len(items))
	copy(cp, items)

	a.valueMu.Lock()
	a.items = cp
	a.valueMu.Unlock()

	a.emit(Change{Kind: ChangeReset, Items: cp})
}

// Push appends items to the end.
func (a *Array) Push(items ...any) {
	a.valueMu.Lock()
	index := len(a.items)
	a.items = append(a.items, items...)
	a.valueMu.Unlock()

	a.emit(Change{Kind: ChangeAdd, Index: index, Items: items})
}

// Unshift prepends items to the front.
func (a *Array) Unshift(items ...any) {
	a.valueMu.Lock()
	a.items = append(append(make([]any, 0, len(items)+len(a.items)), items...), a.items...)
	a.valueMu.Unlock()

	a.emit(Change{Kind: ChangeAdd, Index: 0, Items: items})
}

// Pop removes and returns the last item. The second return is false when the
// array is empty.
func (a *Array) Pop() (any, bool) {
	a.valueMu.Lock()
	if len(a.items) == 0 {
		a.valueMu.Unlock()
		return nil, false
	}
	index := len(a.items) - 1
	item := a.items[index]
	a.items = a.items[:index]
	a.valueMu.Unlock()

	a.emit(Change{Kind: ChangeRemove, Index: index})
	return item, true
}

// Shift removes and returns the first item.
func (a *Array) Shift() (any, bool) {
	a.valueMu.Lock()
	if len(a.items) == 0 {
		a.valueMu.Unlock()
		return nil, false
	}
	item := a.items[0]
	a.items = a.items[1:]
	a.valueMu.Unlock()

	a.emit(Change{Kind: ChangeRemove, Index: 0})
	return item, true
}

// SetIndex replaces the item at index i and emits an update. Out-of-range
// writes are ignored.
func (a *Array) SetIndex(i int, item any) {
	a.valueMu.Lock()
	if i < 0 || i >= len(a.items) {
		a.valueMu.Unlock()
		return
	}
	a.items[i] = item
	a.valueMu.Unlock()

	a.emit(Change{Kind: ChangeUpdate, Index: i, Items: []any{item}})
}

// Splice removes deleteCount items at start and inserts the given items.
// Removals and insertions are emitted as separate events so observers see
// index-accurate diffs.
func (a *Array) Splice(start, deleteCount int, items ...any) {
	a.valueMu.Lock()
	if start < 0 {
		start = 0
	}
	if start > len(a.items) {
		start = len(a.items)
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if start+deleteCount > len(a.items) {
		deleteCount = len(a.items) - start
	}

	rest := make([]any, len(a.items[start+deleteCount:]))
	copy(rest, a.items[start+deleteCount:])
	a.items = append(a.items[:start], append(append([]any{}, items...), rest...)...)
	a.valueMu.Unlock()

	if deleteCount > 0 && len(items) == deleteCount {
		// In-place replacement
		a.emit(Change{Kind: ChangeUpdate, Index: start, Items: items})
		return
	}
	if deleteCount > 0 {
		a.emit(Change{Kind: ChangeRemove, Index: start})
	}
	if len(items) > 0 {
		a.emit(Change{Kind: ChangeAdd, Index: start, Items: items})
	}
}

// Mutate applies fn to the backing slice in place and emits a reset with the
// result, since arbitrary edits cannot be diffed per index.
func (a *Array) Mutate(fn func([]any) []any) {
	a.valueMu.Lock()
	a.items = fn(a.items)
	cp := make([]any, len(a.items))
	copy(cp, a.items)
	a.valueMu.Unlock()

	a.emit(Change{Kind: ChangeReset, Items: cp})
}

// Subscribe registers an observer; the returned func unsubscribes it.
func (a *Array) Subscribe(fn Subscriber) func() {
	return a.add(fn)
}
