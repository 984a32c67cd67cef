package httpfeed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/retry"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

func testConfig(url string) Config {
	return Config{
		URL:          url,
		PollInterval: time.Hour, // tests drive pollOnce directly
		Timeout:      time.Second,
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
		FailureThreshold: 2,
	}
}

type pollHarness struct {
	feed    *Feed
	recSub  *eventbus.Subscription[telemetry.Record]
	sigSub  *eventbus.Subscription[telemetry.SourceSignal]
	records *eventbus.Topic[telemetry.Record]
	signals *eventbus.Topic[telemetry.SourceSignal]
}

func newPollHarness(t *testing.T, url string) *pollHarness {
	t.Helper()

	h := &pollHarness{
		records: eventbus.NewTopic[telemetry.Record]("telemetry.records"),
		signals: eventbus.NewTopic[telemetry.SourceSignal]("telemetry.signals"),
	}
	h.feed = NewFeed(slog.Default(), testConfig(url), h.records, h.signals)
	require.NoError(t, h.feed.Initialize())

	var err error
	h.recSub, err = h.records.Subscribe(16)
	require.NoError(t, err)
	h.sigSub, err = h.signals.Subscribe(16)
	require.NoError(t, err)

	t.Cleanup(func() {
		h.records.Close()
		h.signals.Close()
	})
	return h
}

func (h *pollHarness) awaitRecord(t *testing.T) telemetry.Record {
	t.Helper()
	select {
	case r := <-h.recSub.Events():
		return r
	case <-time.After(time.Second):
		t.Fatal("no record published")
		return telemetry.Record{}
	}
}

func (h *pollHarness) awaitSignal(t *testing.T) telemetry.SourceSignal {
	t.Helper()
	select {
	case s := <-h.sigSub.Events():
		return s
	case <-time.After(time.Second):
		t.Fatal("no signal published")
		return telemetry.SourceSignal{}
	}
}

func (h *pollHarness) expectNoRecord(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.recSub.Events():
		t.Fatalf("unexpected record: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollPublishesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"lat":46.95,"lon":7.44,"alt":8200,"vel_h":12.0,"vel_v":-5.5,"datetime":"2026-06-14T12:00:00Z"}`))
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	h.feed.pollOnce(context.Background())

	rec := h.awaitRecord(t)
	assert.Equal(t, telemetry.SourceFallback, rec.Source)
	assert.InDelta(t, 46.95, rec.Lat, 1e-9)
	assert.InDelta(t, -5.5, rec.VerticalSpeed, 1e-9)
	assert.Equal(t, time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC), rec.CapturedAt)
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"lat":46.95,"lon":7.44,"alt":8200}`))
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	h.feed.pollOnce(context.Background())

	h.awaitRecord(t)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRepeatedFailuresRaiseUnhealthySignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	h.feed.pollOnce(context.Background())
	h.feed.pollOnce(context.Background())

	sig := h.awaitSignal(t)
	assert.False(t, sig.Healthy)
	assert.Equal(t, telemetry.SourceFallback, sig.Source)
}

func TestRecoveryRaisesHealthySignal(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"lat":46.95,"lon":7.44,"alt":8200}`))
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	h.feed.pollOnce(context.Background())
	h.feed.pollOnce(context.Background())
	require.False(t, h.awaitSignal(t).Healthy)

	failing.Store(false)
	h.feed.pollOnce(context.Background())
	assert.True(t, h.awaitSignal(t).Healthy)
	h.awaitRecord(t)
}

func TestRetryAfterSuspendsPolling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	h.feed.pollOnce(context.Background())
	require.Equal(t, int32(1), calls.Load(), "a 429 must not be retried in place")

	// The hold is still standing, so the next cycle never hits the API
	h.feed.pollOnce(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	h.expectNoRecord(t)
}

func TestMalformedBodyCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	h.feed.pollOnce(context.Background())
	h.expectNoRecord(t)
	assert.Equal(t, 1, h.feed.failures)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	h.feed.pollOnce(context.Background())
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollerLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"lat":46.95,"lon":7.44,"alt":8200}`))
	}))
	defer srv.Close()

	h := newPollHarness(t, srv.URL)
	require.NoError(t, h.feed.Start(context.Background()))
	h.awaitRecord(t) // immediate first poll

	require.Error(t, h.feed.Start(context.Background()), "double start must fail")
	require.NoError(t, h.feed.Stop(time.Second))
	require.NoError(t, h.feed.Stop(time.Second), "stop is idempotent")
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig("http://localhost")
	require.NoError(t, cfg.Validate())

	cfg.URL = ""
	assert.Error(t, cfg.Validate())
}
