package schedule

import "sync"

// Coalescer implements latest-wins execution per key. Beginning work for a
// key supersedes any in-flight work for the same key: the older ticket's
// Superseded channel closes and its Stale method starts reporting true. A
// superseded operation may run to completion for cleanup but must discard
// its result.
type Coalescer struct {
	mu      sync.Mutex
	current map[string]*Ticket
}

// Ticket identifies one generation of work for a key.
type Ticket struct {
	key        string
	generation uint64
	superseded chan struct{}

	c *Coalescer
}

// NewCoalescer creates an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{current: make(map[string]*Ticket)}
}

// Begin starts a new generation of work for the key, superseding any ticket
// still in flight.
func (c *Coalescer) Begin(key string) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	var generation uint64 = 1
	if prev, exists := c.current[key]; exists {
		generation = prev.generation + 1
		close(prev.superseded)
	}

	ticket := &Ticket{
		key:        key,
		generation: generation,
		superseded: make(chan struct{}),
		c:          c,
	}
	c.current[key] = ticket
	return ticket
}

// Finish marks the ticket's work complete. If the ticket is still current its
// key becomes idle; a superseded ticket's Finish is a no-op.
func (c *Coalescer) Finish(ticket *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, exists := c.current[ticket.key]; exists && cur == ticket {
		delete(c.current, ticket.key)
	}
}

// InFlight reports whether the key has unfinished work.
func (c *Coalescer) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.current[key]
	return exists
}

// Key returns the key the ticket was issued for.
func (t *Ticket) Key() string {
	return t.key
}

// Stale reports whether a newer generation has superseded this ticket.
func (t *Ticket) Stale() bool {
	select {
	case <-t.superseded:
		return true
	default:
		return false
	}
}

// Superseded returns a channel closed when a newer generation begins. Use it
// in select loops alongside the operation's context.
func (t *Ticket) Superseded() <-chan struct{} {
	return t.superseded
}
