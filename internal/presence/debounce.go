package presence

import (
	"sync"
	"time"
)

// Debounced coalesces bursts of calls into a single trailing-edge invocation:
// each call restarts the window and only the most recent value is delivered
// once the window elapses with no further calls. Each instance owns its own
// timer, so independent channels (cursor vs selection) never delay each other.
type Debounced[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	fire    func(T)
	timer   *time.Timer
	pending T
	stopped bool
}

// NewDebounced constructs a debouncer with the given quiet window. The fire
// callback runs on a timer goroutine once the window elapses.
func NewDebounced[T any](window time.Duration, fire func(T)) *Debounced[T] {
	return &Debounced[T]{window: window, fire: fire}
}

// Call records the value and restarts the quiet window. Values supplied while
// a window is pending replace the previous one; they are coalesced, never
// queued.
func (d *Debounced[T]) Call(value T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending = value
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.deliver)
}

func (d *Debounced[T]) deliver() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	value := d.pending
	d.timer = nil
	d.mu.Unlock()

	d.fire(value)
}

// Stop cancels any pending trailing-edge invocation and rejects further calls.
// A pending value is dropped, not flushed.
func (d *Debounced[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
