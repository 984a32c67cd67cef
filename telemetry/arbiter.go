package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
)

// DefaultTickInterval is how often the arbiter checks silence timeouts when
// the config does not say otherwise.
const DefaultTickInterval = time.Second

// Arbiter runs the arbitration machine on its own event loop. All machine
// access happens on that loop, so the machine itself stays lock-free.
type Arbiter struct {
	logger  *slog.Logger
	cfg     Config
	metrics *metric.Metrics

	records   *eventbus.Topic[Record]
	signals   *eventbus.Topic[SourceSignal]
	canonical *eventbus.Topic[Canonical]

	tickEvery  time.Duration
	now        func() time.Time
	lastSource Source // loop-only

	mu      sync.Mutex
	machine *Machine
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

var _ component.LifecycleComponent = (*Arbiter)(nil)

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithArbiterMetrics exports the active-source gauge and switch counter.
func WithArbiterMetrics(m *metric.Metrics) ArbiterOption {
	return func(a *Arbiter) { a.metrics = m }
}

// WithTickInterval overrides the silence-check cadence.
func WithTickInterval(d time.Duration) ArbiterOption {
	return func(a *Arbiter) {
		if d > 0 {
			a.tickEvery = d
		}
	}
}

// WithArbiterClock injects the time source. Tests use this.
func WithArbiterClock(now func() time.Time) ArbiterOption {
	return func(a *Arbiter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewArbiter creates an arbiter consuming records and signals and publishing
// canonical telemetry.
func NewArbiter(
	logger *slog.Logger,
	cfg Config,
	records *eventbus.Topic[Record],
	signals *eventbus.Topic[SourceSignal],
	canonical *eventbus.Topic[Canonical],
	options ...ArbiterOption,
) *Arbiter {
	a := &Arbiter{
		logger:    component.NewLogger(logger, "arbiter"),
		cfg:       cfg,
		records:   records,
		signals:   signals,
		canonical: canonical,
		tickEvery: DefaultTickInterval,
		now:       time.Now,
	}
	for _, opt := range options {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Name implements component.LifecycleComponent.
func (a *Arbiter) Name() string { return "arbiter" }

// Initialize validates the config and builds the machine.
func (a *Arbiter) Initialize() error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.machine = NewMachine(a.cfg, a.now())
	return nil
}

// Start subscribes to the input topics and spawns the event loop.
func (a *Arbiter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.machine == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "arbiter", "Start", "not initialized")
	}
	if a.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "arbiter", "Start", "already running")
	}

	recSub, err := a.records.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		return errors.WrapFatal(err, "arbiter", "Start", "subscribe records")
	}
	sigSub, err := a.signals.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		recSub.Cancel()
		return errors.WrapFatal(err, "arbiter", "Start", "subscribe signals")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.started = true

	go a.loop(loopCtx, recSub, sigSub)
	return nil
}

// Stop winds the event loop down.
func (a *Arbiter) Stop(timeout time.Duration) error {
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
		return errors.WrapTransient(errors.ErrShuttingDown, "arbiter", "Stop", "loop did not exit in time")
	}
}

// Health returns the named source's liveness summary. Safe to call from any
// goroutine.
func (a *Arbiter) Health(source Source) SourceHealth {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.machine == nil {
		return SourceHealth{}
	}
	return a.machine.Health(source)
}

func (a *Arbiter) loop(ctx context.Context, recSub *eventbus.Subscription[Record], sigSub *eventbus.Subscription[SourceSignal]) {
	defer close(a.done)
	defer recSub.Cancel()
	defer sigSub.Cancel()

	ticker := time.NewTicker(a.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-recSub.Events():
			if !ok {
				return
			}
			a.mu.Lock()
			ev, emitted := a.machine.Offer(rec, a.now())
			a.mu.Unlock()
			if emitted {
				a.publish(ev)
			}
		case sig, ok := <-sigSub.Events():
			if !ok {
				return
			}
			a.mu.Lock()
			a.machine.Signal(sig)
			a.mu.Unlock()
			if !sig.Healthy {
				a.logger.Warn("source reported unhealthy",
					"source", string(sig.Source), "cause", sig.Cause)
			}
		case <-ticker.C:
			a.mu.Lock()
			ev, emitted := a.machine.Tick(a.now())
			a.mu.Unlock()
			if emitted {
				a.publish(ev)
			}
		}
	}
}

// publish is only called from the event loop, so lastSource needs no lock.
func (a *Arbiter) publish(ev Canonical) {
	if ev.Source != a.lastSource {
		if a.metrics != nil && a.lastSource != SourceNone && ev.Source != SourceNone {
			a.metrics.SourceSwitches.Inc()
		}
		a.logger.Info("canonical source changed",
			"state", string(ev.State), "source", string(ev.Source), "sequence", ev.Sequence)
		a.lastSource = ev.Source
	}
	if a.metrics != nil {
		a.metrics.ActiveSource.Set(sourceGaugeValue(ev.Source))
	}
	a.canonical.Publish(ev)
}

func sourceGaugeValue(s Source) float64 {
	switch s {
	case SourcePrimary:
		return 1
	case SourceFallback:
		return 2
	default:
		return 0
	}
}
