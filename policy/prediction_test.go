package policy

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/intent"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/cache"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

type fakePredictor struct {
	mu     sync.Mutex
	calls  int
	result PredictionResult
	err    error
}

func (f *fakePredictor) Predict(_ context.Context, _ PredictionRequest) (PredictionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakePredictor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type predictionHarness struct {
	policy    *PredictionPolicy
	predictor *fakePredictor
	canonical *eventbus.Topic[telemetry.Canonical]
	intents   *eventbus.Topic[intent.Intent]
	results   *eventbus.Topic[PredictionResult]
	resultSub *eventbus.Subscription[PredictionResult]
}

func newPredictionHarness(t *testing.T) *predictionHarness {
	t.Helper()

	h := &predictionHarness{
		predictor: &fakePredictor{result: PredictionResult{LandingSite: Point{Lat: 47.5, Lon: 8.6}}},
		canonical: eventbus.NewTopic[telemetry.Canonical]("telemetry.canonical"),
		intents:   eventbus.NewTopic[intent.Intent]("intents"),
		results:   eventbus.NewTopic[PredictionResult]("prediction.results"),
	}
	status := eventbus.NewTopic[Status]("policy.status")

	c, err := cache.New[PredictionResult](16, time.Hour)
	require.NoError(t, err)

	h.policy = NewPredictionPolicy(
		slog.Default(), testPolicyConfig(),
		FlightProfile{AscentRate: 5, DescentRate: 6, BurstAltitude: 33000},
		h.predictor, c, h.canonical, h.intents, h.results, status,
	)

	h.resultSub, err = h.results.Subscribe(16)
	require.NoError(t, err)

	require.NoError(t, h.policy.Initialize())
	require.NoError(t, h.policy.Start(context.Background()))
	t.Cleanup(func() {
		_ = h.policy.Stop(time.Second)
		h.canonical.Close()
		h.intents.Close()
		h.results.Close()
		status.Close()
	})
	return h
}

func canonicalFix(seq uint64, lat, lon, alt float64) telemetry.Canonical {
	return telemetry.Canonical{
		Sequence: seq,
		State:    telemetry.StatePrimaryFlying,
		Source:   telemetry.SourcePrimary,
		Record: telemetry.Record{
			Source:        telemetry.SourcePrimary,
			Lat:           lat,
			Lon:           lon,
			Altitude:      alt,
			VerticalSpeed: 4.0,
			CapturedAt:    time.Now(),
		},
		HasFix: true,
	}
}

func (h *predictionHarness) awaitResult(t *testing.T) PredictionResult {
	t.Helper()
	select {
	case res := <-h.resultSub.Events():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no prediction result published")
		return PredictionResult{}
	}
}

func TestBurstOfTelemetryCostsOneCall(t *testing.T) {
	h := newPredictionHarness(t)

	// Five fixes inside the movement/time thresholds
	for i := 1; i <= 5; i++ {
		h.canonical.Publish(canonicalFix(uint64(i), 47.30001, 8.50001, 12000))
	}

	res := h.awaitResult(t)
	assert.Equal(t, uint64(1), res.BasedOnSequence)

	// Let the remaining events drain, then confirm no further calls
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.predictor.callCount(),
		"a burst of nearby fixes must cost at most one external call")
}

func TestManualIntentServesFromCache(t *testing.T) {
	h := newPredictionHarness(t)

	h.canonical.Publish(canonicalFix(1, 47.3, 8.5, 12000))
	first := h.awaitResult(t)
	require.Equal(t, uint64(1), first.BasedOnSequence)

	// Telemetry advances inside the same quantization cell, then the user
	// asks for a recompute: the cache answers, restamped to the new premise.
	h.canonical.Publish(canonicalFix(2, 47.3, 8.5, 12000))
	h.intents.Publish(intent.Intent{Kind: intent.KindRecomputePrediction})

	second := h.awaitResult(t)
	assert.Equal(t, uint64(2), second.BasedOnSequence)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, 1, h.predictor.callCount())
}

func TestResultsCarryLandingSite(t *testing.T) {
	h := newPredictionHarness(t)

	h.canonical.Publish(canonicalFix(1, 47.3, 8.5, 12000))
	res := h.awaitResult(t)
	assert.InDelta(t, 47.5, res.LandingSite.Lat, 1e-9)
	assert.NotEmpty(t, res.CacheKey)
}

func TestIrrelevantIntentsIgnored(t *testing.T) {
	h := newPredictionHarness(t)

	h.intents.Publish(intent.Intent{Kind: intent.KindTransportMode, TransportMode: intent.TransportWalking})
	h.intents.Publish(intent.Intent{Kind: intent.KindRecomputePrediction}) // no telemetry yet

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.predictor.callCount())
}
