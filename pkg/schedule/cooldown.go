package schedule

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Cooldown enforces a minimum gap between successful runs of an operation,
// per key. Allow reserves the key's slot; a caller whose operation fails
// should call Clear so the failed attempt does not start the gap.
type Cooldown struct {
	minGap time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCooldown creates a cooldown with the given minimum gap.
func NewCooldown(minGap time.Duration) *Cooldown {
	return &Cooldown{
		minGap:   minGap,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Cooldown) limiter(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, exists := c.limiters[key]
	if !exists {
		// Burst 1: the first call is always admitted, then one per gap.
		lim = rate.NewLimiter(rate.Every(c.minGap), 1)
		c.limiters[key] = lim
	}
	return lim
}

// Allow reports whether the key is out of cooldown, consuming the slot if so.
func (c *Cooldown) Allow(key string) bool {
	return c.limiter(key).Allow()
}

// Remaining returns how long until the key's next slot opens. Zero means the
// key would be admitted now. The reported delay is advisory only; another
// caller may take the slot first.
func (c *Cooldown) Remaining(key string) time.Duration {
	lim := c.limiter(key)

	res := lim.Reserve()
	delay := res.Delay()
	res.Cancel()
	return delay
}

// Clear resets the key so its next call is admitted immediately. Callers use
// this when the operation the slot was reserved for did not actually run.
func (c *Cooldown) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.limiters, key)
}
