// Package eventbus provides the in-process typed publish/subscribe channel
// connecting the feed adapters, the arbitration machine, the policies and
// the state aggregator.
//
// Delivery is asynchronous per subscriber with FIFO ordering preserved:
// each subscriber owns a bounded queue and a slow subscriber never blocks
// publication or delivery to others. When a queue is full the oldest
// queued event is dropped (and counted) in favor of the newest - consumers
// of telemetry care about the latest state, not a complete history.
// Topics keep no history; new subscribers only see events published after
// they subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
)

// DefaultBuffer is the per-subscriber queue depth used when a subscriber
// does not specify one.
const DefaultBuffer = 64

// SubscriberStats reports per-subscriber delivery counters.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// subscriber is one bounded delivery queue.
type subscriber[T any] struct {
	id      string
	ch      chan T
	sent    atomic.Uint64
	dropped atomic.Uint64
	once    sync.Once
}

// Topic is a typed publish/subscribe channel. The zero value is not usable;
// create topics with NewTopic.
type Topic[T any] struct {
	name      string
	mu        sync.Mutex
	subs      map[string]*subscriber[T]
	closed    bool
	published atomic.Uint64

	// Optional aggregate counters shared across topics
	core *metric.Metrics
}

// TopicOption configures a Topic.
type TopicOption[T any] func(*Topic[T])

// WithCoreMetrics wires the topic into the platform-level published/dropped
// counters. A nil metrics value is ignored.
func WithCoreMetrics[T any](m *metric.Metrics) TopicOption[T] {
	return func(t *Topic[T]) {
		if m != nil {
			t.core = m
		}
	}
}

// NewTopic creates a named topic.
func NewTopic[T any](name string, options ...TopicOption[T]) *Topic[T] {
	t := &Topic[T]{
		name: name,
		subs: make(map[string]*subscriber[T]),
	}
	for _, opt := range options {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Publish delivers the event to every current subscriber. Per-subscriber
// ordering is FIFO; publishes are serialized so concurrent publishers cannot
// interleave a single subscriber's queue.
func (t *Topic[T]) Publish(event T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.published.Add(1)
	if t.core != nil {
		t.core.EventsPublished.WithLabelValues(t.name).Inc()
	}

	for _, sub := range t.subs {
		select {
		case sub.ch <- event:
			sub.sent.Add(1)
		default:
			// Queue full: drop the oldest queued event in favor of the
			// newest. The receiver may race us for the slot, so retry once.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
				if t.core != nil {
					t.core.EventsDropped.WithLabelValues(t.name).Inc()
				}
			default:
			}
			select {
			case sub.ch <- event:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
				if t.core != nil {
					t.core.EventsDropped.WithLabelValues(t.name).Inc()
				}
			}
		}
	}
}

// Subscribe registers a new subscriber with the given queue depth
// (DefaultBuffer if non-positive) and returns its subscription.
func (t *Topic[T]) Subscribe(buffer int) (*Subscription[T], error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.WrapInvalid(errors.ErrBusClosed, "eventbus", "Subscribe", t.name)
	}

	sub := &subscriber[T]{
		id: uuid.NewString(),
		ch: make(chan T, buffer),
	}
	t.subs[sub.id] = sub

	return &Subscription[T]{topic: t, sub: sub}, nil
}

// unsubscribe removes a subscriber and closes its queue.
func (t *Topic[T]) unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.subs[id]
	if !exists {
		return
	}
	delete(t.subs, id)
	sub.once.Do(func() { close(sub.ch) })
}

// Close shuts the topic down. Subsequent publishes are ignored and all
// subscriber channels are closed.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Published returns the total number of events published to this topic.
func (t *Topic[T]) Published() uint64 {
	return t.published.Load()
}

// Subscribers returns the current number of subscribers.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subscription is a cancellable handle on a topic's event stream.
type Subscription[T any] struct {
	topic *Topic[T]
	sub   *subscriber[T]
}

// Events returns the receive channel. The channel is closed when the
// subscription is cancelled or the topic closes.
func (s *Subscription[T]) Events() <-chan T {
	return s.sub.ch
}

// ID returns the unique subscription identifier.
func (s *Subscription[T]) ID() string {
	return s.sub.id
}

// Stats returns the delivery counters for this subscription.
func (s *Subscription[T]) Stats() SubscriberStats {
	return SubscriberStats{
		Sent:    s.sub.sent.Load(),
		Dropped: s.sub.dropped.Load(),
	}
}

// Cancel stops delivery and closes the event channel. Cancelling twice is
// harmless.
func (s *Subscription[T]) Cancel() {
	s.topic.unsubscribe(s.sub.id)
}
