// Package signal implements the reactive value cells the state tree is built
// from. Three kinds share one shape: a read returns the current value, Set
// replaces it, and observers subscribe to a stream of typed change events.
package signal

import "sync"

// ChangeKind identifies what a change event describes.
type ChangeKind string

const (
	ChangeSet    ChangeKind = "set"
	ChangeAdd    ChangeKind = "add"
	ChangeUpdate ChangeKind = "update"
	ChangeRemove ChangeKind = "remove"
	ChangeReset  ChangeKind = "reset"
)

// Change is a typed change event emitted by a signal.
type Change struct {
	Kind  ChangeKind
	Index int    // array events
	Key   string // map events
	Value any    // scalar set, map add/update payload
	Items []any  // array add/update/reset payloads
}

// Subscriber receives change events.
type Subscriber func(Change)

// Options control how a signal participates in the sync/persist pipeline.
type Options struct {
	SyncToClient bool           // include changes in the sync cache (default true)
	Persist      bool           // include changes in the persist cache (default true)
	ClassType    func() any     // factory for nested entities in collections
	Transform    func(any) any  // applied before serialization (never to deletes)
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the option set signals start from.
func DefaultOptions() Options {
	return Options{SyncToClient: true, Persist: true}
}

// WithNoSync excludes the signal from client synchronization.
func WithNoSync() Option {
	return func(o *Options) { o.SyncToClient = false }
}

// WithNoPersist excludes the signal from durability flushes.
func WithNoPersist() Option {
	return func(o *Options) { o.Persist = false }
}

// WithClassType declares the entity factory for values stored in a collection.
func WithClassType(factory func() any) Option {
	return func(o *Options) { o.ClassType = factory }
}

// WithTransform installs a pre-serialization transform.
func WithTransform(fn func(any) any) Option {
	return func(o *Options) { o.Transform = fn }
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// subscribers is the shared observer registry embedded by every signal kind.
type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[int]Subscriber
}

// add registers fn and returns an unsubscribe func.
func (s *subscribers) add(fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		s.subs = make(map[int]Subscriber)
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// emit delivers ev to every subscriber. Delivery happens outside the value
// lock so subscribers may read other signals.
func (s *subscribers) emit(ev Change) {
	s.mu.Lock()
	fns := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
