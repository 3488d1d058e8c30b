package signal

import "sync"

// observable is any signal a computed can depend on.
type observable interface {
	Subscribe(fn Subscriber) func()
}

// Dependency tracking uses a collector stack guarded by one mutex, so
// computed evaluation is serialized process-wide. Evaluations are expected to
// be cheap derived reads; rooms never block each other for long here.
var (
	trackMu    sync.Mutex
	collectors []*depCollector
)

type depCollector struct {
	deps map[observable]struct{}
}

// recordDependency notes that sig was read inside the innermost tracked
// evaluation, if any.
func recordDependency(sig observable) {
	trackMu.Lock()
	defer trackMu.Unlock()
	if len(collectors) == 0 {
		return
	}
	top := collectors[len(collectors)-1]
	if top == nil {
		return // inside Untracked
	}
	top.deps[sig] = struct{}{}
}

func pushCollector(c *depCollector) {
	trackMu.Lock()
	collectors = append(collectors, c)
	trackMu.Unlock()
}

func popCollector() {
	trackMu.Lock()
	collectors = collectors[:len(collectors)-1]
	trackMu.Unlock()
}

// Untracked runs fn without recording dependencies for the enclosing
// computed evaluation.
func Untracked[T any](fn func() T) T {
	pushCollector(nil)
	defer popCollector()
	return fn()
}

// Computed is a lazy value derived from other signals. It re-evaluates when a
// dependency changes and exposes the same observable surface as a scalar, so
// the sync engine can subscribe to it like any other cell.
type Computed struct {
	subscribers
	mu      sync.Mutex
	compute func() any
	value   any
	valid   bool
	unsubs  []func()
	opts    Options
}

// NewComputed creates a computed signal. The first Get evaluates compute and
// captures its dependencies.
func NewComputed(compute func() any, opts ...Option) *Computed {
	return &Computed{compute: compute, opts: buildOptions(opts)}
}

// Options returns the signal's pipeline options.
func (c *Computed) Options() Options { return c.opts }

// Get returns the derived value, recomputing it if a dependency changed since
// the last read.
func (c *Computed) Get() any {
	recordDependency(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		c.value = c.evaluateLocked()
		c.valid = true
	}
	return c.value
}

// evaluateLocked runs compute with dependency capture and re-subscribes to
// the discovered dependency set.
func (c *Computed) evaluateLocked() any {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil

	collector := &depCollector{deps: make(map[observable]struct{})}
	pushCollector(collector)
	value := c.compute()
	popCollector()

	for dep := range collector.deps {
		if dep == c {
			continue
		}
		c.unsubs = append(c.unsubs, dep.Subscribe(func(Change) { c.invalidate() }))
	}
	return value
}

// invalidate recomputes eagerly and notifies observers, since the sync engine
// needs the fresh value on the change event.
func (c *Computed) invalidate() {
	c.mu.Lock()
	c.value = c.evaluateLocked()
	c.valid = true
	value := c.value
	c.mu.Unlock()

	c.emit(Change{Kind: ChangeSet, Value: value})
}

// Subscribe registers an observer; the returned func unsubscribes it.
// Subscribing forces an initial evaluation so dependency capture is active.
func (c *Computed) Subscribe(fn Subscriber) func() {
	c.Get()
	return c.add(fn)
}
