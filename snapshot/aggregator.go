package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/policy"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

// persistTimeout bounds each fire-and-forget persistence call.
const persistTimeout = 5 * time.Second

// Aggregator folds canonical telemetry, prediction results and route results
// into versioned snapshots. All mutation happens on its event loop; updates
// whose causality reference is older than what the snapshot already reflects
// are silently dropped.
type Aggregator struct {
	logger    *slog.Logger
	metrics   *metric.Metrics
	persister Persister

	canonical   *eventbus.Topic[telemetry.Canonical]
	predictions *eventbus.Topic[policy.PredictionResult]
	routes      *eventbus.Topic[policy.RouteResult]
	statuses    *eventbus.Topic[policy.Status]
	snapshots   *eventbus.Topic[Snapshot]

	now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// loop-owned state. The causality counters track the current process
	// run only; a restored snapshot is display state, not a premise, so
	// restore leaves them at zero.
	current        Snapshot
	canonSeq       uint64
	predBasis      uint64
	routeBasis     uint64
	policyDegraded map[string]bool
}

var _ component.LifecycleComponent = (*Aggregator)(nil)

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorMetrics exports the snapshot version and degraded gauges.
func WithAggregatorMetrics(m *metric.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// WithPersister wires the pass-through persistence collaborator.
func WithPersister(p Persister) AggregatorOption {
	return func(a *Aggregator) { a.persister = p }
}

// WithAggregatorClock injects the time source. Tests use this.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator wires the aggregator to its input topics and the snapshot
// output topic.
func NewAggregator(
	logger *slog.Logger,
	canonical *eventbus.Topic[telemetry.Canonical],
	predictions *eventbus.Topic[policy.PredictionResult],
	routes *eventbus.Topic[policy.RouteResult],
	statuses *eventbus.Topic[policy.Status],
	snapshots *eventbus.Topic[Snapshot],
	options ...AggregatorOption,
) *Aggregator {
	a := &Aggregator{
		logger:         component.NewLogger(logger, "aggregator"),
		canonical:      canonical,
		predictions:    predictions,
		routes:         routes,
		statuses:       statuses,
		snapshots:      snapshots,
		now:            time.Now,
		policyDegraded: make(map[string]bool),
	}
	for _, opt := range options {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Name implements component.LifecycleComponent.
func (a *Aggregator) Name() string { return "aggregator" }

// Initialize restores the last persisted snapshot, if any, so versions keep
// increasing across restarts.
func (a *Aggregator) Initialize() error {
	if a.persister == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	restored, found, err := a.persister.LoadSnapshot(ctx)
	if err != nil {
		// Restore is best effort; a cold start is always safe.
		a.logger.Warn("snapshot restore failed, starting cold", "error", err)
		return nil
	}
	if found {
		a.current = restored
		a.logger.Info("restored snapshot", "version", restored.Version)
	}
	return nil
}

// Start subscribes to the input topics and spawns the loop.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "aggregator", "Start", "already running")
	}

	canonSub, err := a.canonical.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		return errors.WrapFatal(err, "aggregator", "Start", "subscribe canonical")
	}
	predSub, err := a.predictions.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		canonSub.Cancel()
		return errors.WrapFatal(err, "aggregator", "Start", "subscribe predictions")
	}
	routeSub, err := a.routes.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		canonSub.Cancel()
		predSub.Cancel()
		return errors.WrapFatal(err, "aggregator", "Start", "subscribe routes")
	}
	statusSub, err := a.statuses.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		canonSub.Cancel()
		predSub.Cancel()
		routeSub.Cancel()
		return errors.WrapFatal(err, "aggregator", "Start", "subscribe statuses")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.started = true

	go a.loop(loopCtx, canonSub, predSub, routeSub, statusSub)
	return nil
}

// Stop winds the loop down.
func (a *Aggregator) Stop(timeout time.Duration) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "aggregator", "Stop", "loop did not exit in time")
	}
}

// Current returns the latest published snapshot. Safe from any goroutine.
func (a *Aggregator) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Aggregator) loop(
	ctx context.Context,
	canonSub *eventbus.Subscription[telemetry.Canonical],
	predSub *eventbus.Subscription[policy.PredictionResult],
	routeSub *eventbus.Subscription[policy.RouteResult],
	statusSub *eventbus.Subscription[policy.Status],
) {
	defer close(a.done)
	defer canonSub.Cancel()
	defer predSub.Cancel()
	defer routeSub.Cancel()
	defer statusSub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-canonSub.Events():
			if !ok {
				return
			}
			a.applyCanonical(ev)
		case pred, ok := <-predSub.Events():
			if !ok {
				return
			}
			a.applyPrediction(pred)
		case route, ok := <-routeSub.Events():
			if !ok {
				return
			}
			a.applyRoute(route)
		case st, ok := <-statusSub.Events():
			if !ok {
				return
			}
			a.applyStatus(st)
		}
	}
}

// applyCanonical folds in a canonical telemetry update and appends it to the
// persisted track.
func (a *Aggregator) applyCanonical(ev telemetry.Canonical) {
	if ev.Sequence <= a.canonSeq {
		// The arbiter emits monotonically; anything else is a replay.
		return
	}
	a.canonSeq = ev.Sequence
	next := a.current
	next.Canonical = ev
	next.MachineState = ev.State
	a.publish(next)

	if a.persister != nil {
		go a.persistTrack(ev)
	}
}

// applyPrediction folds in a prediction result unless its premise is older
// than the one already reflected.
func (a *Aggregator) applyPrediction(pred policy.PredictionResult) {
	if pred.BasedOnSequence < a.predBasis {
		a.logger.Debug("stale prediction dropped",
			"based_on", pred.BasedOnSequence, "current_basis", a.predBasis)
		return
	}
	a.predBasis = pred.BasedOnSequence
	next := a.current
	next.Prediction = &pred
	a.publish(next)
}

// applyRoute folds in a route result under the same causality rule.
func (a *Aggregator) applyRoute(route policy.RouteResult) {
	if route.BasedOnSequence < a.routeBasis {
		a.logger.Debug("stale route dropped",
			"based_on", route.BasedOnSequence, "current_basis", a.routeBasis)
		return
	}
	a.routeBasis = route.BasedOnSequence
	next := a.current
	next.Route = &route
	a.publish(next)
}

// applyStatus recomputes the aggregate degraded indicator.
func (a *Aggregator) applyStatus(st policy.Status) {
	if a.policyDegraded[st.Policy] == st.Degraded {
		return
	}
	a.policyDegraded[st.Policy] = st.Degraded
	next := a.current
	a.publish(next)
}

// publish stamps, stores and broadcasts the next snapshot atomically.
func (a *Aggregator) publish(next Snapshot) {
	next.Version = a.current.Version + 1
	next.Degraded = a.degraded(next)
	next.PublishedAt = a.now()

	a.mu.Lock()
	a.current = next
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SnapshotVersion.Set(float64(next.Version))
		if next.Degraded {
			a.metrics.DegradedStatus.Set(1)
		} else {
			a.metrics.DegradedStatus.Set(0)
		}
	}
	a.snapshots.Publish(next)
}

// degraded derives the aggregate indicator from the policies' flags and the
// arbitration state.
func (a *Aggregator) degraded(s Snapshot) bool {
	for _, d := range a.policyDegraded {
		if d {
			return true
		}
	}
	switch s.MachineState {
	case telemetry.StateNoTelemetry, telemetry.StateAwaitingFallback:
		return true
	}
	return false
}

func (a *Aggregator) persistTrack(ev telemetry.Canonical) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := a.persister.AppendTrack(ctx, ev); err != nil {
		a.logger.Warn("track append failed", "sequence", ev.Sequence, "error", err)
	}
	if err := a.persister.SaveSnapshot(ctx, a.Current()); err != nil {
		a.logger.Warn("snapshot save failed", "error", err)
	}
}
