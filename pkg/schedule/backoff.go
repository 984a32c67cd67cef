package schedule

import (
	"sync"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/pkg/retry"
)

// Backoff tracks consecutive failures per key and hands out exponentially
// growing delays for the next attempt. Delay math is shared with the retry
// engine so in-call retries and cross-call rescheduling grow the same way.
type Backoff struct {
	cfg retry.Config

	mu       sync.Mutex
	failures map[string]int
}

// NewBackoff creates a backoff tracker using the given retry configuration
// for its delay curve. Only the delay fields are consulted; MaxAttempts is
// the caller's concern.
func NewBackoff(cfg retry.Config) *Backoff {
	return &Backoff{
		cfg:      cfg,
		failures: make(map[string]int),
	}
}

// Failure records a failed attempt for the key and returns the delay to wait
// before the next one.
func (b *Backoff) Failure(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt := b.failures[key]
	b.failures[key] = attempt + 1
	return retry.Delay(b.cfg, attempt)
}

// Success clears the key's failure streak.
func (b *Backoff) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, key)
}

// Failures returns the key's current consecutive failure count.
func (b *Backoff) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[key]
}
