package schedule

import (
	"sync"
	"time"
)

// Debouncer delays an operation until its key has been quiet for a fixed
// interval. Each call for a key resets that key's timer; the operation runs
// once, with the function from the most recent call, after the delay elapses
// with no further calls.
type Debouncer struct {
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewDebouncer creates a debouncer with the given quiet interval.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:  delay,
		timers: make(map[string]*time.Timer),
	}
}

// Call schedules fn to run after the quiet interval, superseding any pending
// call for the same key. fn runs on a timer goroutine.
func (d *Debouncer) Call(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if timer, exists := d.timers[key]; exists {
		timer.Stop()
	}

	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()

		if !closed {
			fn()
		}
	})
}

// Cancel drops any pending call for the key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.timers[key]; exists {
		timer.Stop()
		delete(d.timers, key)
	}
}

// Pending reports whether a call is pending for the key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.timers[key]
	return exists
}

// Stop cancels all pending calls. The debouncer must not be used afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}
