package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	PrimarySilenceTimeout:  20 * time.Second,
	FallbackSilenceTimeout: 2 * time.Minute,
	PrimaryRecoveryWindow:  15 * time.Second,
	LandingVerticalSpeed:   -0.5,
	LandingAltitude:        500,
	LandingSustain:         10 * time.Second,
	DegradedAfterFailures:  3,
}

func flying(source Source) Record {
	return Record{
		Source:        source,
		Lat:           47.3,
		Lon:           8.5,
		Altitude:      12000,
		VerticalSpeed: 4.2,
		CapturedAt:    time.Now(),
	}
}

func descending(source Source, altitude, vspeed float64) Record {
	return Record{
		Source:        source,
		Lat:           47.3,
		Lon:           8.5,
		Altitude:      altitude,
		VerticalSpeed: vspeed,
		CapturedAt:    time.Now(),
	}
}

func TestFirstPrimaryRecordActivatesPrimary(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)
	require.Equal(t, StateStartup, m.State())

	ev, emitted := m.Offer(flying(SourcePrimary), start.Add(time.Second))
	require.True(t, emitted)
	assert.Equal(t, StatePrimaryFlying, ev.State)
	assert.Equal(t, SourcePrimary, ev.Source)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.True(t, ev.HasFix)
}

func TestStartupFallbackWaitsForPrimaryGrace(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	// Inside the grace period the fallback is held back
	_, emitted := m.Offer(flying(SourceFallback), start.Add(5*time.Second))
	assert.False(t, emitted)
	assert.Equal(t, StateStartup, m.State())

	// Once the primary has missed its cadence, the fallback is adopted
	ev, emitted := m.Offer(flying(SourceFallback), start.Add(25*time.Second))
	require.True(t, emitted)
	assert.Equal(t, StateFallbackFlying, ev.State)
	assert.Equal(t, SourceFallback, ev.Source)
}

func TestStartupReachesNoTelemetryWhenBothSilent(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	_, emitted := m.Tick(start.Add(time.Minute))
	assert.False(t, emitted, "fallback timeout has not elapsed yet")

	ev, emitted := m.Tick(start.Add(3 * time.Minute))
	require.True(t, emitted)
	assert.Equal(t, StateNoTelemetry, ev.State)
	assert.Equal(t, SourceNone, ev.Source)
	assert.False(t, ev.HasFix)
}

func TestActiveSourceRecordsEmitWithIncreasingSequence(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	var last uint64
	for i := 1; i <= 5; i++ {
		ev, emitted := m.Offer(flying(SourcePrimary), start.Add(time.Duration(i)*time.Second))
		require.True(t, emitted)
		require.Greater(t, ev.Sequence, last, "sequence must be strictly increasing")
		last = ev.Sequence
	}
}

func TestPrimarySilenceThenNoTelemetry(t *testing.T) {
	// Primary emits for 60s, then goes silent. Fallback never speaks. The
	// machine must pass through waitingForFallback and settle in noTelemetry.
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start
	for i := 0; i < 12; i++ {
		now = now.Add(5 * time.Second)
		_, emitted := m.Offer(flying(SourcePrimary), now)
		require.True(t, emitted)
	}
	require.Equal(t, StatePrimaryFlying, m.State())

	// Silence inside the timeout: no transition
	_, emitted := m.Tick(now.Add(15 * time.Second))
	assert.False(t, emitted)

	// Past the primary timeout: waiting for the fallback
	ev, emitted := m.Tick(now.Add(25 * time.Second))
	require.True(t, emitted)
	assert.Equal(t, StateAwaitingFallback, ev.State)
	assert.Equal(t, SourceNone, ev.Source)
	assert.True(t, ev.HasFix, "last known fix is retained")
	assert.True(t, m.Health(SourcePrimary).Degraded)

	// Fallback stays silent past its own timeout: safe default
	ev, emitted = m.Tick(now.Add(25*time.Second + 3*time.Minute))
	require.True(t, emitted)
	assert.Equal(t, StateNoTelemetry, ev.State)
}

func TestFallbackActivatesFromAwaiting(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start.Add(time.Second)
	_, emitted := m.Offer(flying(SourcePrimary), now)
	require.True(t, emitted)

	ev, emitted := m.Tick(now.Add(30 * time.Second))
	require.True(t, emitted)
	require.Equal(t, StateAwaitingFallback, ev.State)

	ev, emitted = m.Offer(flying(SourceFallback), now.Add(40*time.Second))
	require.True(t, emitted)
	assert.Equal(t, StateFallbackFlying, ev.State)
	assert.Equal(t, SourceFallback, ev.Source)
}

func TestPrimaryFlickerNeverSwitchesFromFallback(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	// Drive the machine onto the fallback
	now := start.Add(time.Second)
	m.Offer(flying(SourcePrimary), now)
	m.Tick(now.Add(30 * time.Second))
	now = now.Add(40 * time.Second)
	m.Offer(flying(SourceFallback), now)
	require.Equal(t, StateFallbackFlying, m.State())

	// One primary record: no switch
	_, emitted := m.Offer(flying(SourcePrimary), now.Add(time.Second))
	assert.False(t, emitted, "a single flicker must not switch sources")
	assert.Equal(t, StateFallbackFlying, m.State())

	// A second record still inside the recovery window: no switch either
	_, emitted = m.Offer(flying(SourcePrimary), now.Add(5*time.Second))
	assert.False(t, emitted)
	assert.Equal(t, StateFallbackFlying, m.State())
}

func TestSustainedPrimaryPresenceSwitchesBack(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start.Add(time.Second)
	m.Offer(flying(SourcePrimary), now)
	m.Tick(now.Add(30 * time.Second))
	now = now.Add(40 * time.Second)
	m.Offer(flying(SourceFallback), now)
	require.Equal(t, StateFallbackFlying, m.State())

	// Primary present every 5s for longer than the recovery window
	var switched bool
	for i := 1; i <= 4; i++ {
		ev, emitted := m.Offer(flying(SourcePrimary), now.Add(time.Duration(i*5)*time.Second))
		if emitted {
			assert.Equal(t, StatePrimaryFlying, ev.State)
			assert.Equal(t, SourcePrimary, ev.Source)
			switched = true
		}
	}
	assert.True(t, switched, "sustained primary presence must switch back")
	assert.Equal(t, StatePrimaryFlying, m.State())
}

func TestStreakRestartsAfterGap(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start.Add(time.Second)
	m.Offer(flying(SourcePrimary), now)
	m.Tick(now.Add(30 * time.Second))
	now = now.Add(40 * time.Second)
	m.Offer(flying(SourceFallback), now)

	// Primary speaks, vanishes past its silence timeout, then speaks again.
	// The old streak must not count toward the recovery window.
	m.Offer(flying(SourcePrimary), now.Add(5*time.Second))
	_, emitted := m.Offer(flying(SourcePrimary), now.Add(50*time.Second))
	assert.False(t, emitted, "streak must restart after a silence gap")
	assert.Equal(t, StateFallbackFlying, m.State())

	// Keep the fallback alive while the new streak builds
	m.Offer(flying(SourceFallback), now.Add(55*time.Second))
	ev, emitted := m.Offer(flying(SourcePrimary), now.Add(66*time.Second))
	require.True(t, emitted)
	assert.Equal(t, StatePrimaryFlying, ev.State)
}

func TestLandingRequiresSustainedCriteria(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start.Add(time.Second)
	m.Offer(flying(SourcePrimary), now)

	// Touchdown criteria met, but not yet sustained
	ev, emitted := m.Offer(descending(SourcePrimary, 300, -0.2), now.Add(time.Second))
	require.True(t, emitted)
	assert.Equal(t, StatePrimaryFlying, ev.State)

	// Criteria break: the sustain clock resets
	m.Offer(descending(SourcePrimary, 450, -8.0), now.Add(3*time.Second))
	m.Offer(descending(SourcePrimary, 300, -0.2), now.Add(5*time.Second))

	// Still inside the restarted sustain window
	ev, _ = m.Offer(descending(SourcePrimary, 290, -0.1), now.Add(12*time.Second))
	assert.Equal(t, StatePrimaryFlying, ev.State)

	// Sustained long enough: landed
	ev, emitted = m.Offer(descending(SourcePrimary, 285, 0.0), now.Add(16*time.Second))
	require.True(t, emitted)
	assert.Equal(t, StatePrimaryLanded, ev.State)
}

func TestLandingNotDetectedAtAltitude(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start.Add(time.Second)
	m.Offer(flying(SourcePrimary), now)

	// Float at apogee: vertical speed near zero but far above ground
	for i := 1; i <= 5; i++ {
		ev, emitted := m.Offer(descending(SourcePrimary, 30000, 0.1), now.Add(time.Duration(i*4)*time.Second))
		require.True(t, emitted)
		assert.Equal(t, StatePrimaryFlying, ev.State, "float at altitude is not a landing")
	}
}

func TestLandedReturnsToFlyingWhenCriteriaBreak(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start.Add(time.Second)
	m.Offer(descending(SourcePrimary, 300, -0.2), now)
	ev, _ := m.Offer(descending(SourcePrimary, 295, -0.1), now.Add(11*time.Second))
	require.Equal(t, StatePrimaryLanded, ev.State)

	ev, emitted := m.Offer(flying(SourcePrimary), now.Add(15*time.Second))
	require.True(t, emitted)
	assert.Equal(t, StatePrimaryFlying, ev.State)
}

func TestRecoveryFromNoTelemetry(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	_, emitted := m.Tick(start.Add(3 * time.Minute))
	require.True(t, emitted)
	require.Equal(t, StateNoTelemetry, m.State())

	ev, emitted := m.Offer(flying(SourceFallback), start.Add(4*time.Minute))
	require.True(t, emitted)
	assert.Equal(t, StateFallbackFlying, ev.State)
}

func TestFallbackDiesWhilePrimaryAlive(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	now := start.Add(time.Second)
	m.Offer(flying(SourcePrimary), now)
	m.Tick(now.Add(30 * time.Second))
	now = now.Add(40 * time.Second)
	m.Offer(flying(SourceFallback), now)
	require.Equal(t, StateFallbackFlying, m.State())

	// Primary reappears (streak too short to switch), then the fallback dies
	m.Offer(flying(SourcePrimary), now.Add(2*time.Minute))
	m.Offer(flying(SourcePrimary), now.Add(2*time.Minute+5*time.Second))

	ev, emitted := m.Tick(now.Add(2*time.Minute + 10*time.Second))
	require.True(t, emitted)
	assert.Equal(t, StatePrimaryFlying, ev.State, "dead fallback must yield to a live primary")
}

func TestSignalsDriveHealthNotState(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)
	m.Offer(flying(SourcePrimary), start.Add(time.Second))

	for i := 0; i < 3; i++ {
		m.Signal(SourceSignal{Source: SourceFallback, Healthy: false, Cause: "poll failed"})
	}
	assert.True(t, m.Health(SourceFallback).Degraded)
	assert.Equal(t, 3, m.Health(SourceFallback).ConsecutiveFailures)
	assert.Equal(t, StatePrimaryFlying, m.State(), "signals never transition the machine")

	m.Signal(SourceSignal{Source: SourceFallback, Healthy: true})
	assert.False(t, m.Health(SourceFallback).Degraded)
	assert.Equal(t, 0, m.Health(SourceFallback).ConsecutiveFailures)
}

func TestUnknownSourceDropped(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMachine(testConfig, start)

	_, emitted := m.Offer(Record{Source: Source("simulated")}, start.Add(time.Second))
	assert.False(t, emitted)
	assert.Equal(t, StateStartup, m.State())
}

func TestConfigValidate(t *testing.T) {
	bad := testConfig
	bad.LandingVerticalSpeed = 2.0
	assert.Error(t, bad.Validate())

	bad = testConfig
	bad.PrimarySilenceTimeout = 5 * time.Minute
	assert.Error(t, bad.Validate())

	assert.NoError(t, testConfig.Validate())
}
