package telemetry

import (
	"fmt"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
)

// State is the arbitration machine's current mode.
type State string

const (
	StateStartup          State = "startup"
	StateNoTelemetry      State = "noTelemetry"
	StatePrimaryFlying    State = "primaryActiveFlying"
	StatePrimaryLanded    State = "primaryActiveLanded"
	StateAwaitingFallback State = "waitingForFallback"
	StateFallbackFlying   State = "fallbackActiveFlying"
	StateFallbackLanded   State = "fallbackActiveLanded"
)

// Config holds the arbitration thresholds. All values are tunables, not
// contract; zero values are replaced by defaults.
type Config struct {
	// PrimarySilenceTimeout is how long the primary feed may be quiet before
	// the machine stops trusting it. Also the startup grace period before a
	// fallback record may activate the fallback feed.
	PrimarySilenceTimeout time.Duration `json:"primary_silence_timeout" yaml:"primary_silence_timeout"`
	// FallbackSilenceTimeout is the fallback feed's quiet limit. Fallback
	// polls are slow, so this is much longer than the primary's.
	FallbackSilenceTimeout time.Duration `json:"fallback_silence_timeout" yaml:"fallback_silence_timeout"`
	// PrimaryRecoveryWindow is how long the primary must be consistently
	// present before the machine switches away from an active fallback.
	PrimaryRecoveryWindow time.Duration `json:"primary_recovery_window" yaml:"primary_recovery_window"`
	// LandingVerticalSpeed is the descent-rate threshold (m/s, negative);
	// touchdown requires vertical speed at or above it.
	LandingVerticalSpeed float64 `json:"landing_vertical_speed" yaml:"landing_vertical_speed"`
	// LandingAltitude is the altitude (m) below which touchdown is possible.
	LandingAltitude float64 `json:"landing_altitude" yaml:"landing_altitude"`
	// LandingSustain is how long the touchdown criteria must hold.
	LandingSustain time.Duration `json:"landing_sustain" yaml:"landing_sustain"`
	// DegradedAfterFailures marks a source degraded once its consecutive
	// failure count reaches this value.
	DegradedAfterFailures int `json:"degraded_after_failures" yaml:"degraded_after_failures"`
}

// DefaultConfig returns the thresholds used when the config file leaves them
// unset.
func DefaultConfig() Config {
	return Config{
		PrimarySilenceTimeout:  20 * time.Second,
		FallbackSilenceTimeout: 2 * time.Minute,
		PrimaryRecoveryWindow:  15 * time.Second,
		LandingVerticalSpeed:   -0.5,
		LandingAltitude:        500,
		LandingSustain:         10 * time.Second,
		DegradedAfterFailures:  3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PrimarySilenceTimeout <= 0 {
		c.PrimarySilenceTimeout = def.PrimarySilenceTimeout
	}
	if c.FallbackSilenceTimeout <= 0 {
		c.FallbackSilenceTimeout = def.FallbackSilenceTimeout
	}
	if c.PrimaryRecoveryWindow < 0 {
		c.PrimaryRecoveryWindow = def.PrimaryRecoveryWindow
	}
	if c.LandingVerticalSpeed == 0 {
		c.LandingVerticalSpeed = def.LandingVerticalSpeed
	}
	if c.LandingAltitude <= 0 {
		c.LandingAltitude = def.LandingAltitude
	}
	if c.LandingSustain < 0 {
		c.LandingSustain = def.LandingSustain
	}
	if c.DegradedAfterFailures <= 0 {
		c.DegradedAfterFailures = def.DegradedAfterFailures
	}
	return c
}

// Validate rejects configurations the machine cannot arbitrate with.
func (c Config) Validate() error {
	if c.LandingVerticalSpeed > 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "telemetry", "Validate",
			fmt.Sprintf("landing vertical speed must be <= 0, got %v", c.LandingVerticalSpeed))
	}
	if c.FallbackSilenceTimeout > 0 && c.PrimarySilenceTimeout > c.FallbackSilenceTimeout {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "telemetry", "Validate",
			"primary silence timeout must not exceed the fallback's")
	}
	return nil
}

// Machine is the telemetry arbitration state machine. It is a single-owner
// value: the arbiter's event loop is the only caller, so it carries no lock.
// Time is always passed in, which keeps tests deterministic.
type Machine struct {
	cfg Config

	state          State
	seq            uint64
	activeSource   Source
	enteredStateAt time.Time

	health     map[Source]*SourceHealth
	lastRecord map[Source]Record

	current Record
	hasFix  bool

	landingSince       time.Time
	primaryStreakStart time.Time
	lastPrimarySeen    time.Time
}

// NewMachine creates a machine in the startup state.
func NewMachine(cfg Config, now time.Time) *Machine {
	return &Machine{
		cfg:            cfg.withDefaults(),
		state:          StateStartup,
		enteredStateAt: now,
		health: map[Source]*SourceHealth{
			SourcePrimary:  {},
			SourceFallback: {},
		},
		lastRecord: make(map[Source]Record),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Sequence returns the sequence number of the last emitted canonical event.
func (m *Machine) Sequence() uint64 { return m.seq }

// Health returns a copy of the source's liveness summary.
func (m *Machine) Health(source Source) SourceHealth {
	if h, exists := m.health[source]; exists {
		return *h
	}
	return SourceHealth{}
}

// Signal applies an out-of-band health report from a feed adapter. Signals
// never transition the machine; silence timeouts do that on Tick.
func (m *Machine) Signal(sig SourceSignal) {
	h, exists := m.health[sig.Source]
	if !exists {
		return
	}
	if sig.Healthy {
		h.ConsecutiveFailures = 0
		h.Degraded = false
		return
	}
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= m.cfg.DegradedAfterFailures {
		h.Degraded = true
	}
}

// Offer processes one telemetry record. It returns the canonical event the
// record produced, if any: records from the active source always emit, records
// from the other source only update health and switch streaks unless they
// complete a debounced switch. Records from unknown sources are dropped.
func (m *Machine) Offer(rec Record, now time.Time) (Canonical, bool) {
	h, known := m.health[rec.Source]
	if !known {
		return Canonical{}, false
	}
	h.LastSeen = now
	h.ConsecutiveFailures = 0
	h.Degraded = false
	m.lastRecord[rec.Source] = rec

	if rec.Source == SourcePrimary {
		// A streak survives gaps up to the silence timeout; anything longer
		// restarts the debounce window.
		if m.primaryStreakStart.IsZero() || now.Sub(m.lastPrimarySeen) > m.cfg.PrimarySilenceTimeout {
			m.primaryStreakStart = now
		}
		m.lastPrimarySeen = now
	}

	switch m.state {
	case StateStartup:
		if rec.Source == SourcePrimary {
			return m.activate(SourcePrimary, rec, now), true
		}
		// The primary gets first claim; adopt the fallback only once the
		// primary has missed its expected cadence.
		if now.Sub(m.enteredStateAt) >= m.cfg.PrimarySilenceTimeout {
			return m.activate(SourceFallback, rec, now), true
		}
		return Canonical{}, false

	case StateNoTelemetry, StateAwaitingFallback:
		// No active source to defend, adopt whichever speaks first.
		return m.activate(rec.Source, rec, now), true

	case StatePrimaryFlying, StatePrimaryLanded:
		if rec.Source == SourcePrimary {
			return m.advance(rec, now), true
		}
		return Canonical{}, false

	case StateFallbackFlying, StateFallbackLanded:
		if rec.Source == SourceFallback {
			return m.advance(rec, now), true
		}
		// Primary resumption: switch only after it has been consistently
		// present for the recovery window. A single flicker never switches,
		// even with a zero window, because the streak starts at zero length.
		if streak := now.Sub(m.primaryStreakStart); streak > 0 && streak >= m.cfg.PrimaryRecoveryWindow {
			return m.activate(SourcePrimary, rec, now), true
		}
		return Canonical{}, false
	}
	return Canonical{}, false
}

// Tick applies silence timeouts. Call it periodically; at most one transition
// is emitted per call.
func (m *Machine) Tick(now time.Time) (Canonical, bool) {
	primarySilent := m.silent(SourcePrimary, now, m.cfg.PrimarySilenceTimeout)
	fallbackSilent := m.silent(SourceFallback, now, m.cfg.FallbackSilenceTimeout)

	switch m.state {
	case StateStartup:
		if primarySilent && fallbackSilent {
			return m.deactivate(StateNoTelemetry, now), true
		}

	case StatePrimaryFlying, StatePrimaryLanded:
		if primarySilent {
			m.health[SourcePrimary].Degraded = true
			if fallbackSilent {
				return m.deactivate(StateNoTelemetry, now), true
			}
			return m.deactivate(StateAwaitingFallback, now), true
		}

	case StateAwaitingFallback:
		if primarySilent && fallbackSilent {
			return m.deactivate(StateNoTelemetry, now), true
		}

	case StateFallbackFlying, StateFallbackLanded:
		if fallbackSilent {
			m.health[SourceFallback].Degraded = true
			if primarySilent {
				return m.deactivate(StateNoTelemetry, now), true
			}
			// The fallback died while the primary is alive; with no healthy
			// feed to thrash against the debounce window does not apply.
			if rec, exists := m.lastRecord[SourcePrimary]; exists {
				return m.activate(SourcePrimary, rec, now), true
			}
			return m.deactivate(StateNoTelemetry, now), true
		}
	}
	return Canonical{}, false
}

// silent reports whether the source has been quiet beyond its timeout. A
// source never heard from is measured from the current state's entry time, so
// a fresh wait starts the clock over.
func (m *Machine) silent(source Source, now time.Time, timeout time.Duration) bool {
	ref := m.health[source].LastSeen
	if ref.IsZero() {
		ref = m.enteredStateAt
	}
	return now.Sub(ref) > timeout
}

// activate makes the source the canonical one and emits the transition.
func (m *Machine) activate(source Source, rec Record, now time.Time) Canonical {
	m.activeSource = source
	m.current = rec
	m.hasFix = true
	m.landingSince = time.Time{}

	state := m.flightState(source, m.trackLanding(rec, now))
	return m.transition(state, now)
}

// advance applies a record from the already-active source, transitioning
// between the flying and landed sub-states as the touchdown criteria come and
// go.
func (m *Machine) advance(rec Record, now time.Time) Canonical {
	m.current = rec
	m.hasFix = true

	want := m.flightState(m.activeSource, m.trackLanding(rec, now))
	if want != m.state {
		return m.transition(want, now)
	}
	return m.emit()
}

// deactivate drops the active source and emits the transition.
func (m *Machine) deactivate(state State, now time.Time) Canonical {
	m.activeSource = SourceNone
	m.landingSince = time.Time{}
	return m.transition(state, now)
}

// trackLanding reports whether the touchdown criteria have held for the
// sustain window: descent stopped (vertical speed at or above the threshold)
// while below the landing altitude.
func (m *Machine) trackLanding(rec Record, now time.Time) bool {
	if rec.VerticalSpeed >= m.cfg.LandingVerticalSpeed && rec.Altitude < m.cfg.LandingAltitude {
		if m.landingSince.IsZero() {
			m.landingSince = now
		}
		return now.Sub(m.landingSince) >= m.cfg.LandingSustain
	}
	m.landingSince = time.Time{}
	return false
}

func (m *Machine) flightState(source Source, landed bool) State {
	if source == SourcePrimary {
		if landed {
			return StatePrimaryLanded
		}
		return StatePrimaryFlying
	}
	if landed {
		return StateFallbackLanded
	}
	return StateFallbackFlying
}

func (m *Machine) transition(state State, now time.Time) Canonical {
	m.state = state
	m.enteredStateAt = now
	return m.emit()
}

func (m *Machine) emit() Canonical {
	m.seq++
	return Canonical{
		Sequence: m.seq,
		State:    m.state,
		Source:   m.activeSource,
		Record:   m.current,
		HasFix:   m.hasFix,
	}
}
