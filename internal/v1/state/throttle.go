package state

import (
	"sync"
	"time"
)

// Throttle is a trailing-edge throttle with a leading call: the first trigger
// invokes fn immediately and arms a timer; triggers inside the window are
// coalesced and flushed once when the timer fires, which also disarms it.
// A zero interval disables throttling and invokes fn on every trigger.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	pending  bool
	stopped  bool
}

// NewThrottle creates a throttle around fn.
func NewThrottle(interval time.Duration, fn func()) *Throttle {
	return &Throttle{interval: interval, fn: fn}
}

// Trigger requests an invocation of fn under the throttle policy.
func (t *Throttle) Trigger() {
	if t.interval == 0 {
		t.fn()
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.pending = true
		t.mu.Unlock()
		return
	}
	t.timer = time.AfterFunc(t.interval, t.fire)
	t.mu.Unlock()

	t.fn()
}

func (t *Throttle) fire() {
	t.mu.Lock()
	fire := t.pending && !t.stopped
	t.pending = false
	t.timer = nil
	t.mu.Unlock()

	if fire {
		t.fn()
	}
}

// Stop disarms the timer; pending work is dropped. Callers flush explicitly
// on shutdown.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = false
}
