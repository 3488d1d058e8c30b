package signal

import "sync"

// Scalar holds a single opaque value and emits {set, value} on replacement.
type Scalar struct {
	subscribers
	valueMu sync.RWMutex
	value   any
	opts    Options
}

// NewScalar creates a scalar signal with the given initial value.
func NewScalar(value any, opts ...Option) *Scalar {
	return &Scalar{value: value, opts: buildOptions(opts)}
}

// Options returns the signal's pipeline options.
func (s *Scalar) Options() Options { return s.opts }

// Get returns the current value and records a dependency when evaluated
// inside a computed.
func (s *Scalar) Get() any {
	recordDependency(s)
	s.valueMu.RLock()
	defer s.valueMu.RUnlock()
	return s.value
}

// Peek returns the current value without dependency tracking.
func (s *Scalar) Peek() any {
	s.valueMu.RLock()
	defer s.valueMu.RUnlock()
	return s.value
}

// Set replaces the value and notifies observers.
func (s *Scalar) Set(value any) {
	s.valueMu.Lock()
	s.value = value
	s.valueMu.Unlock()

	s.emit(Change{Kind: ChangeSet, Value: value})
}

// Update reads the current value, applies fn, and sets the result.
func (s *Scalar) Update(fn func(any) any) {
	s.valueMu.Lock()
	next := fn(s.value)
	s.value = next
	s.valueMu.Unlock()

	s.emit(Change{Kind: ChangeSet, Value: next})
}

// Subscribe registers an observer; the returned func unsubscribes it.
func (s *Scalar) Subscribe(fn Subscriber) func() {
	return s.add(fn)
}
