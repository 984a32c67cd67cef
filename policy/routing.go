package policy

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/intent"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/cache"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

// RoutingPolicy decides when to spend a route calculation for the chase leg
// from the chaser's position to the predicted landing site (or, once landed,
// to the balloon itself).
type RoutingPolicy struct {
	logger    *slog.Logger
	cfg       Config
	router    Router
	quantizer cache.Quantizer

	canonical   *eventbus.Topic[telemetry.Canonical]
	intents     *eventbus.Topic[intent.Intent]
	predictions *eventbus.Topic[PredictionResult]
	results     *eventbus.Topic[RouteResult]

	run *runner[RouteResult]

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// loop-owned state
	latest    telemetry.Canonical
	hasLatest bool
	override  intent.Urgency
	mode      intent.TransportMode

	chaser    Point
	hasChaser bool

	landing    Point
	hasLanding bool
}

var _ component.LifecycleComponent = (*RoutingPolicy)(nil)

// NewRoutingPolicy wires the policy to its inputs, its cache and the external
// router.
func NewRoutingPolicy(
	logger *slog.Logger,
	cfg Config,
	router Router,
	routeCache cache.Cache[RouteResult],
	canonical *eventbus.Topic[telemetry.Canonical],
	intents *eventbus.Topic[intent.Intent],
	predictions *eventbus.Topic[PredictionResult],
	results *eventbus.Topic[RouteResult],
	status *eventbus.Topic[Status],
	options ...Option,
) *RoutingPolicy {
	s := newSettings(options)
	p := &RoutingPolicy{
		logger:      component.NewLogger(logger, "routing-policy"),
		cfg:         cfg.withDefaults(),
		router:      router,
		quantizer:   s.quantizer,
		canonical:   canonical,
		intents:     intents,
		predictions: predictions,
		results:     results,
		mode:        intent.TransportDriving,
	}
	p.run = newRunner[RouteResult](
		"routing", p.logger, p.cfg, routeCache, status,
		stampRoute, results.Publish,
	)
	s.apply(p.run)
	return p
}

func stampRoute(r RouteResult, key string, seq uint64) RouteResult {
	r.CacheKey = key
	r.BasedOnSequence = seq
	return r
}

// Name implements component.LifecycleComponent.
func (p *RoutingPolicy) Name() string { return "routing-policy" }

// Initialize validates the configuration.
func (p *RoutingPolicy) Initialize() error {
	if p.router == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "routing-policy", "Initialize", "no router")
	}
	return p.cfg.Validate()
}

// Start subscribes to canonical telemetry, intents and prediction results and
// spawns the loop.
func (p *RoutingPolicy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "routing-policy", "Start", "already running")
	}

	canonSub, err := p.canonical.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		return errors.WrapFatal(err, "routing-policy", "Start", "subscribe canonical")
	}
	intentSub, err := p.intents.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		canonSub.Cancel()
		return errors.WrapFatal(err, "routing-policy", "Start", "subscribe intents")
	}
	predSub, err := p.predictions.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		canonSub.Cancel()
		intentSub.Cancel()
		return errors.WrapFatal(err, "routing-policy", "Start", "subscribe predictions")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.loop(loopCtx, canonSub, intentSub, predSub)
	return nil
}

// Stop winds the loop down.
func (p *RoutingPolicy) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "routing-policy", "Stop", "loop did not exit in time")
	}
}

func (p *RoutingPolicy) loop(
	ctx context.Context,
	canonSub *eventbus.Subscription[telemetry.Canonical],
	intentSub *eventbus.Subscription[intent.Intent],
	predSub *eventbus.Subscription[PredictionResult],
) {
	defer close(p.done)
	defer canonSub.Cancel()
	defer intentSub.Cancel()
	defer predSub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-canonSub.Events():
			if !ok {
				return
			}
			if !ev.HasFix {
				continue
			}
			p.latest = ev
			p.hasLatest = true
			p.evaluate(false)
		case pred, ok := <-predSub.Events():
			if !ok {
				return
			}
			p.applyPrediction(pred)
		case in, ok := <-intentSub.Events():
			if !ok {
				return
			}
			p.applyIntent(in)
		case comp := <-p.run.completions:
			p.run.handleCompletion(comp)
		case <-p.run.retryNudge:
			p.evaluate(true)
		}
	}
}

// applyPrediction adopts a new landing site as the routing destination. A
// materially moved site bypasses the time/movement triggers (the cache key
// changed anyway), still respecting cooldown.
func (p *RoutingPolicy) applyPrediction(pred PredictionResult) {
	moved := !p.hasLanding ||
		haversineMeters(p.landing, pred.LandingSite) >= p.cfg.MovementThresholdMeters
	p.landing = pred.LandingSite
	p.hasLanding = true
	p.evaluate(moved)
}

func (p *RoutingPolicy) applyIntent(in intent.Intent) {
	switch in.Kind {
	case intent.KindRecomputeRoute:
		p.evaluate(true)
	case intent.KindTransportMode:
		if in.TransportMode != "" && in.TransportMode != p.mode {
			p.mode = in.TransportMode
			p.evaluate(true)
		}
	case intent.KindModeOverride:
		p.override = in.Urgency
	case intent.KindChaserPosition:
		p.chaser = Point{Lat: in.Lat, Lon: in.Lon}
		p.hasChaser = true
		p.evaluate(false)
	}
}

// evaluate runs one trigger evaluation for the current chase leg.
func (p *RoutingPolicy) evaluate(manual bool) {
	origin, dest, ok := p.leg()
	if !ok {
		return
	}
	key := p.cacheKey(origin, dest)
	seq := p.latest.Sequence
	req := RouteRequest{Origin: origin, Destination: dest, Mode: p.mode}

	// The chaser's own movement is what makes a route stale, so it anchors
	// the displacement trigger.
	p.run.trigger(origin, seq, p.urgency(), manual, key, func(ctx context.Context) (RouteResult, error) {
		return p.router.Route(ctx, req)
	})
}

// leg resolves the current chase leg. The destination is the predicted
// landing site, or the balloon itself once it has landed; without either
// there is nothing to route to.
func (p *RoutingPolicy) leg() (origin, dest Point, ok bool) {
	if !p.hasLatest {
		return Point{}, Point{}, false
	}
	rec := p.latest.Record
	balloon := Point{Lat: rec.Lat, Lon: rec.Lon, Altitude: rec.Altitude}

	switch {
	case p.latest.State == telemetry.StatePrimaryLanded || p.latest.State == telemetry.StateFallbackLanded:
		dest = balloon
	case p.hasLanding:
		dest = p.landing
	default:
		return Point{}, Point{}, false
	}

	if p.hasChaser {
		origin = p.chaser
	} else {
		// No chaser fix yet; route from the balloon's position so the first
		// leg still renders something useful.
		origin = balloon
	}
	return origin, dest, true
}

func (p *RoutingPolicy) urgency() intent.Urgency {
	if p.override != intent.UrgencyAuto {
		return p.override
	}
	rec := p.latest.Record
	if rec.VerticalSpeed < 0 && rec.Altitude < p.cfg.TerminalAltitudeMeters {
		return intent.UrgencyNearTerminal
	}
	return intent.UrgencyCruise
}

func (p *RoutingPolicy) cacheKey(origin, dest Point) string {
	return cache.Key("route",
		p.quantizer.PositionKey(origin.Lat, origin.Lon),
		p.quantizer.PositionKey(dest.Lat, dest.Lon),
		string(p.mode),
		strconv.FormatInt(p.quantizer.TimeIndex(p.run.now()), 10),
	)
}
