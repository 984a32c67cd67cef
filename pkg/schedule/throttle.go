package schedule

import (
	"sync"
	"time"
)

// Throttler runs an operation at most once per interval and key.
// With Leading enabled the first call in an idle interval runs immediately;
// with Trailing enabled, calls arriving during a running interval cause one
// more run (with the newest function) when the interval ends.
type Throttler struct {
	interval time.Duration
	leading  bool
	trailing bool

	mu     sync.Mutex
	states map[string]*throttleState
	closed bool
}

type throttleState struct {
	active  bool   // an interval is currently running
	pending func() // newest trailing candidate, nil if none
	timer   *time.Timer
}

// NewThrottler creates a throttler. At least one of leading or trailing
// should be enabled; with both disabled every call is discarded.
func NewThrottler(interval time.Duration, leading, trailing bool) *Throttler {
	return &Throttler{
		interval: interval,
		leading:  leading,
		trailing: trailing,
		states:   make(map[string]*throttleState),
	}
}

// Call submits fn under the throttle for the given key.
func (t *Throttler) Call(key string, fn func()) {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return
	}

	state, exists := t.states[key]
	if !exists {
		state = &throttleState{}
		t.states[key] = state
	}

	if !state.active {
		// Idle: open a new interval.
		state.active = true
		state.pending = nil
		run := t.leading
		if !run && t.trailing {
			state.pending = fn
		}
		state.timer = time.AfterFunc(t.interval, func() { t.finish(key) })
		t.mu.Unlock()

		if run {
			fn()
		}
		return
	}

	// Interval running: remember the newest call for the trailing edge.
	if t.trailing {
		state.pending = fn
	}
	t.mu.Unlock()
}

// finish closes out an interval, firing the trailing call if one is pending.
func (t *Throttler) finish(key string) {
	t.mu.Lock()

	state, exists := t.states[key]
	if !exists || t.closed {
		t.mu.Unlock()
		return
	}

	pending := state.pending
	state.pending = nil

	if pending != nil {
		// The trailing run opens a fresh interval so back-to-back calls
		// still average out to one run per interval.
		state.timer = time.AfterFunc(t.interval, func() { t.finish(key) })
	} else {
		state.active = false
		delete(t.states, key)
	}
	t.mu.Unlock()

	if pending != nil {
		pending()
	}
}

// Stop cancels all interval timers. The throttler must not be used afterwards.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for key, state := range t.states {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(t.states, key)
	}
}
