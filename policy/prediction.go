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
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/cache"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

// FlightProfile carries the balloon parameters a trajectory prediction needs
// beyond the current fix.
type FlightProfile struct {
	AscentRate    float64 `json:"ascent_rate" yaml:"ascent_rate"`       // m/s
	DescentRate   float64 `json:"descent_rate" yaml:"descent_rate"`     // m/s, magnitude
	BurstAltitude float64 `json:"burst_altitude" yaml:"burst_altitude"` // m
}

// PredictionPolicy decides when to spend a trajectory-prediction call and
// publishes the results.
type PredictionPolicy struct {
	logger    *slog.Logger
	cfg       Config
	profile   FlightProfile
	predictor Predictor
	quantizer cache.Quantizer

	canonical *eventbus.Topic[telemetry.Canonical]
	intents   *eventbus.Topic[intent.Intent]
	results   *eventbus.Topic[PredictionResult]

	run *runner[PredictionResult]

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// loop-owned state
	latest    telemetry.Canonical
	hasLatest bool
	override  intent.Urgency
}

var _ component.LifecycleComponent = (*PredictionPolicy)(nil)

// NewPredictionPolicy wires the policy to its inputs, its cache and the
// external predictor.
func NewPredictionPolicy(
	logger *slog.Logger,
	cfg Config,
	profile FlightProfile,
	predictor Predictor,
	predictionCache cache.Cache[PredictionResult],
	canonical *eventbus.Topic[telemetry.Canonical],
	intents *eventbus.Topic[intent.Intent],
	results *eventbus.Topic[PredictionResult],
	status *eventbus.Topic[Status],
	options ...Option,
) *PredictionPolicy {
	s := newSettings(options)
	p := &PredictionPolicy{
		logger:    component.NewLogger(logger, "prediction-policy"),
		cfg:       cfg.withDefaults(),
		profile:   profile,
		predictor: predictor,
		quantizer: s.quantizer,
		canonical: canonical,
		intents:   intents,
		results:   results,
	}
	p.run = newRunner[PredictionResult](
		"prediction", p.logger, p.cfg, predictionCache, status,
		stampPrediction, results.Publish,
	)
	s.apply(p.run)
	return p
}

// settings collects the optional knobs shared by both policies.
type settings struct {
	quantizer cache.Quantizer
	metrics   *metric.Metrics
	now       func() time.Time
}

// Option adjusts a policy's quantizer, clock or metrics.
type Option func(*settings)

func newSettings(options []Option) settings {
	s := settings{quantizer: cache.DefaultQuantizer()}
	for _, opt := range options {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func (s settings) apply(run interface {
	setMetrics(*metric.Metrics)
	setClock(func() time.Time)
}) {
	if s.metrics != nil {
		run.setMetrics(s.metrics)
	}
	if s.now != nil {
		run.setClock(s.now)
	}
}

// WithQuantizer overrides the key quantization grid.
func WithQuantizer(q cache.Quantizer) Option {
	return func(s *settings) { s.quantizer = q }
}

// WithMetrics exports external-call counters and durations.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithClock injects the trigger time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func stampPrediction(r PredictionResult, key string, seq uint64) PredictionResult {
	r.CacheKey = key
	r.BasedOnSequence = seq
	return r
}

// Name implements component.LifecycleComponent.
func (p *PredictionPolicy) Name() string { return "prediction-policy" }

// Initialize validates the configuration.
func (p *PredictionPolicy) Initialize() error {
	if p.predictor == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "prediction-policy", "Initialize", "no predictor")
	}
	return p.cfg.Validate()
}

// Start subscribes to canonical telemetry and intents and spawns the loop.
func (p *PredictionPolicy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "prediction-policy", "Start", "already running")
	}

	canonSub, err := p.canonical.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		return errors.WrapFatal(err, "prediction-policy", "Start", "subscribe canonical")
	}
	intentSub, err := p.intents.Subscribe(eventbus.DefaultBuffer)
	if err != nil {
		canonSub.Cancel()
		return errors.WrapFatal(err, "prediction-policy", "Start", "subscribe intents")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.loop(loopCtx, canonSub, intentSub)
	return nil
}

// Stop winds the loop down.
func (p *PredictionPolicy) Stop(timeout time.Duration) error {
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
		return errors.WrapTransient(errors.ErrShuttingDown, "prediction-policy", "Stop", "loop did not exit in time")
	}
}

func (p *PredictionPolicy) loop(ctx context.Context, canonSub *eventbus.Subscription[telemetry.Canonical], intentSub *eventbus.Subscription[intent.Intent]) {
	defer close(p.done)
	defer canonSub.Cancel()
	defer intentSub.Cancel()

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
		case in, ok := <-intentSub.Events():
			if !ok {
				return
			}
			switch in.Kind {
			case intent.KindRecomputePrediction:
				p.evaluate(true)
			case intent.KindModeOverride:
				p.override = in.Urgency
				p.evaluate(false)
			}
		case comp := <-p.run.completions:
			p.run.handleCompletion(comp)
		case <-p.run.retryNudge:
			p.evaluate(true)
		}
	}
}

// evaluate runs one trigger evaluation against the latest canonical fix.
func (p *PredictionPolicy) evaluate(manual bool) {
	if !p.hasLatest {
		return
	}
	rec := p.latest.Record
	point := Point{Lat: rec.Lat, Lon: rec.Lon, Altitude: rec.Altitude}
	key := p.cacheKey(rec)
	seq := p.latest.Sequence

	req := PredictionRequest{
		Lat:           rec.Lat,
		Lon:           rec.Lon,
		Altitude:      rec.Altitude,
		AscentRate:    p.profile.AscentRate,
		DescentRate:   p.profile.DescentRate,
		BurstAltitude: p.profile.BurstAltitude,
		At:            rec.CapturedAt,
	}
	p.run.trigger(point, seq, p.urgency(rec), manual, key, func(ctx context.Context) (PredictionResult, error) {
		return p.predictor.Predict(ctx, req)
	})
}

// urgency derives the recomputation spacing mode: an override wins, otherwise
// a descent below the terminal altitude tightens the spacing.
func (p *PredictionPolicy) urgency(rec telemetry.Record) intent.Urgency {
	if p.override != intent.UrgencyAuto {
		return p.override
	}
	if rec.VerticalSpeed < 0 && rec.Altitude < p.cfg.TerminalAltitudeMeters {
		return intent.UrgencyNearTerminal
	}
	return intent.UrgencyCruise
}

func (p *PredictionPolicy) cacheKey(rec telemetry.Record) string {
	return cache.Key("prediction",
		p.quantizer.PositionKey(rec.Lat, rec.Lon),
		strconv.FormatInt(p.quantizer.AltIndex(rec.Altitude), 10),
		strconv.FormatInt(p.quantizer.TimeIndex(rec.CapturedAt), 10),
	)
}
