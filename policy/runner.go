package policy

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/intent"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/cache"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/schedule"
)

// completion carries an external call's outcome back onto the policy loop.
type completion[R any] struct {
	ticket *schedule.Ticket
	key    string
	point  Point
	result R
	err    error
	took   time.Duration
}

// runner is the pipeline shared by the prediction and routing policies:
// trigger evaluation, cache lookup, and the coalesced, backoff-retried
// external call. All state mutation happens on the owning policy's event
// loop; only execute runs off-loop and it touches no runner state.
type runner[R any] struct {
	kind    string
	logger  *slog.Logger
	cfg     Config
	cache   cache.Cache[R]
	metrics *metric.Metrics
	status  *eventbus.Topic[Status]

	cooldown  *schedule.Cooldown
	backoff   *schedule.Backoff
	coalescer *schedule.Coalescer
	now       func() time.Time

	// stamp attaches the cache key and causality reference to a result.
	stamp   func(r R, key string, seq uint64) R
	publish func(R)

	completions chan completion[R]
	retryNudge  chan struct{}

	// loop-owned trigger state
	lastSuccessAt time.Time
	lastPoint     Point
	hasSuccess    bool
	degraded      bool
	inFlightKey   string
}

func newRunner[R any](
	kind string,
	logger *slog.Logger,
	cfg Config,
	c cache.Cache[R],
	status *eventbus.Topic[Status],
	stamp func(R, string, uint64) R,
	publish func(R),
) *runner[R] {
	return &runner[R]{
		kind:        kind,
		logger:      logger,
		cfg:         cfg,
		cache:       c,
		status:      status,
		cooldown:    schedule.NewCooldown(cfg.Cooldown),
		backoff:     schedule.NewBackoff(cfg.Retry),
		coalescer:   schedule.NewCoalescer(),
		now:         time.Now,
		stamp:       stamp,
		publish:     publish,
		completions: make(chan completion[R], 16),
		retryNudge:  make(chan struct{}, 4),
	}
}

func (r *runner[R]) setMetrics(m *metric.Metrics)  { r.metrics = m }
func (r *runner[R]) setClock(now func() time.Time) { r.now = now }

// shouldCompute evaluates the time and movement triggers. Manual intents and
// retry nudges bypass it.
func (r *runner[R]) shouldCompute(p Point, urgency intent.Urgency) bool {
	if !r.hasSuccess {
		return true
	}
	interval := r.cfg.CruiseInterval
	if urgency == intent.UrgencyNearTerminal {
		interval = r.cfg.TerminalInterval
	}
	if r.now().Sub(r.lastSuccessAt) >= interval {
		return true
	}
	if haversineMeters(r.lastPoint, p) >= r.cfg.MovementThresholdMeters {
		return true
	}
	if math.Abs(p.Altitude-r.lastPoint.Altitude) >= r.cfg.AltitudeThresholdMeters {
		return true
	}
	return false
}

// trigger runs the pipeline for one evaluation: cache hit publishes
// immediately, a miss starts an off-loop external call unless one is already
// in flight for the key or the key is cooling down.
func (r *runner[R]) trigger(p Point, seq uint64, urgency intent.Urgency, manual bool, key string, thunk func(context.Context) (R, error)) {
	if !manual && !r.shouldCompute(p, urgency) {
		return
	}

	if res, hit := r.cache.Get(key); hit {
		r.markSuccess(p)
		r.publish(r.stamp(res, key, seq))
		return
	}

	if r.coalescer.InFlight(r.kind) && r.inFlightKey == key {
		// The identical computation is already running; its result will
		// cover this trigger.
		return
	}

	if !r.cooldown.Allow(key) {
		if manual {
			r.logger.Info("manual trigger rejected by cooldown",
				"kind", r.kind, "key", key, "remaining", r.cooldown.Remaining(key))
		}
		return
	}

	// One logical computation per policy: starting work for a new key
	// supersedes whatever is still in flight, latest wins.
	ticket := r.coalescer.Begin(r.kind)
	r.inFlightKey = key
	go r.execute(ticket, key, p, seq, thunk)
}

// execute runs the external call off-loop and reports back through the
// completions channel. A superseded ticket cancels the context so the call
// can wind down early; it still completes for cleanup and its result is
// discarded on the loop.
func (r *runner[R]) execute(ticket *schedule.Ticket, key string, p Point, seq uint64, thunk func(context.Context) (R, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CallTimeout)
	defer cancel()

	go func() {
		select {
		case <-ticket.Superseded():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	res, err := thunk(ctx)
	r.completions <- completion[R]{
		ticket: ticket,
		key:    key,
		point:  p,
		result: r.stamp(res, key, seq),
		err:    err,
		took:   time.Since(start),
	}
}

// handleCompletion applies an external call's outcome. Runs on the policy
// loop.
func (r *runner[R]) handleCompletion(comp completion[R]) {
	r.coalescer.Finish(comp.ticket)
	if !comp.ticket.Stale() {
		r.inFlightKey = ""
	}

	outcome := "success"
	if comp.err != nil {
		outcome = "error"
	}
	if r.metrics != nil {
		r.metrics.ExternalCalls.WithLabelValues(r.kind, outcome).Inc()
		r.metrics.ExternalCallDuration.WithLabelValues(r.kind).Observe(comp.took.Seconds())
	}

	if comp.err != nil {
		// The call did not succeed, so it must not start the cooldown gap.
		r.cooldown.Clear(comp.key)

		if comp.ticket.Stale() {
			// A newer computation owns the key now; let it drive retries.
			return
		}

		delay := r.backoff.Failure(comp.key)
		failures := r.backoff.Failures(comp.key)
		r.logger.Warn("external call failed",
			"kind", r.kind, "key", comp.key, "failures", failures,
			"retry_in", delay, "error", comp.err)

		if failures >= r.cfg.DegradedAfterFailures && !r.degraded {
			r.degraded = true
			r.publishStatus(failures)
		}

		if !errors.IsInvalid(comp.err) {
			time.AfterFunc(delay, func() {
				select {
				case r.retryNudge <- struct{}{}:
				default:
				}
			})
		}
		return
	}

	if comp.ticket.Stale() {
		// Superseded result: completed for cleanup only, never published.
		return
	}

	r.backoff.Success(comp.key)
	if _, err := r.cache.Set(comp.key, comp.result); err != nil {
		r.logger.Error("cache store failed", "kind", r.kind, "key", comp.key, "error", err)
	}
	r.markSuccess(comp.point)

	if r.degraded {
		r.degraded = false
		r.publishStatus(0)
	}
	r.publish(comp.result)
}

func (r *runner[R]) markSuccess(p Point) {
	r.lastSuccessAt = r.now()
	r.lastPoint = p
	r.hasSuccess = true
}

func (r *runner[R]) publishStatus(failures int) {
	if r.status == nil {
		return
	}
	r.status.Publish(Status{
		Policy:              r.kind,
		Degraded:            r.degraded,
		ConsecutiveFailures: failures,
		At:                  r.now(),
	})
}
