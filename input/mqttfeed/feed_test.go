package mqttfeed

import (
	"context"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	connected    bool
	subscribed   string
	disconnected bool
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() mqtt.Token {
	c.connected = true
	return &fakeToken{}
}
func (c *fakeClient) Disconnect(uint) {
	c.connected = false
	c.disconnected = true
}
func (c *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	c.subscribed = topic
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func testConfig() Config {
	return Config{
		Broker:   "tcp://localhost:1883",
		ClientID: "test",
		Topic:    "balloon/telemetry",
		QoS:      1,
	}
}

type feedHarness struct {
	feed    *Feed
	client  *fakeClient
	recSub  *eventbus.Subscription[telemetry.Record]
	sigSub  *eventbus.Subscription[telemetry.SourceSignal]
	records *eventbus.Topic[telemetry.Record]
	signals *eventbus.Topic[telemetry.SourceSignal]
}

func newFeedHarness(t *testing.T) *feedHarness {
	t.Helper()

	h := &feedHarness{
		client:  &fakeClient{},
		records: eventbus.NewTopic[telemetry.Record]("telemetry.records"),
		signals: eventbus.NewTopic[telemetry.SourceSignal]("telemetry.signals"),
	}
	h.feed = NewFeed(slog.Default(), testConfig(), h.records, h.signals, withClient(h.client))

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

func awaitRecord(t *testing.T, sub *eventbus.Subscription[telemetry.Record]) telemetry.Record {
	t.Helper()
	select {
	case r := <-sub.Events():
		return r
	case <-time.After(time.Second):
		t.Fatal("no record published")
		return telemetry.Record{}
	}
}

func awaitSignal(t *testing.T, sub *eventbus.Subscription[telemetry.SourceSignal]) telemetry.SourceSignal {
	t.Helper()
	select {
	case s := <-sub.Events():
		return s
	case <-time.After(time.Second):
		t.Fatal("no signal published")
		return telemetry.SourceSignal{}
	}
}

func TestDecodeFrame(t *testing.T) {
	now := time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)

	rec, err := decodeFrame([]byte(
		`{"lat":47.3769,"lon":8.5417,"alt":12450,"speed":14.2,"climb":4.8,"snr":9.5,"time":"2026-06-14T11:59:58Z"}`,
	), now)
	require.NoError(t, err)

	assert.Equal(t, telemetry.SourcePrimary, rec.Source)
	assert.InDelta(t, 47.3769, rec.Lat, 1e-9)
	assert.InDelta(t, 8.5417, rec.Lon, 1e-9)
	assert.InDelta(t, 12450, rec.Altitude, 1e-9)
	assert.InDelta(t, 4.8, rec.VerticalSpeed, 1e-9)
	assert.InDelta(t, 9.5, rec.SignalQuality, 1e-9)
	assert.Equal(t, time.Date(2026, 6, 14, 11, 59, 58, 0, time.UTC), rec.CapturedAt)
}

func TestDecodeFrameStampsMissingTime(t *testing.T) {
	now := time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)

	rec, err := decodeFrame([]byte(`{"lat":47.0,"lon":8.0,"alt":100}`), now)
	require.NoError(t, err)
	assert.Equal(t, now, rec.CapturedAt)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `lat=47.3`},
		{"latitude out of range", `{"lat":123.4,"lon":8.5}`},
		{"longitude out of range", `{"lat":47.3,"lon":-190.0}`},
		{"bad timestamp", `{"lat":47.3,"lon":8.5,"time":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame([]byte(tt.payload), time.Now())
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestHandlePayloadPublishesRecord(t *testing.T) {
	h := newFeedHarness(t)

	h.feed.handlePayload([]byte(`{"lat":47.3,"lon":8.5,"alt":12000,"climb":5.0}`))

	rec := awaitRecord(t, h.recSub)
	assert.Equal(t, telemetry.SourcePrimary, rec.Source)
	assert.InDelta(t, 12000, rec.Altitude, 1e-9)
}

func TestHandlePayloadDropsMalformed(t *testing.T) {
	h := newFeedHarness(t)

	h.feed.handlePayload([]byte(`{{{`))
	h.feed.handlePayload([]byte(`{"lat":47.3,"lon":8.5}`))

	rec := awaitRecord(t, h.recSub)
	assert.InDelta(t, 47.3, rec.Lat, 1e-9, "only the valid frame survives")
	select {
	case r := <-h.recSub.Events():
		t.Fatalf("malformed frame published: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionEventsBecomeSignals(t *testing.T) {
	h := newFeedHarness(t)

	h.feed.onConnect(h.client)
	sig := awaitSignal(t, h.sigSub)
	assert.True(t, sig.Healthy)
	assert.Equal(t, telemetry.SourcePrimary, sig.Source)
	assert.Equal(t, testConfig().Topic, h.client.subscribed)

	h.feed.onConnectionLost(h.client, assert.AnError)
	sig = awaitSignal(t, h.sigSub)
	assert.False(t, sig.Healthy)
}

func TestFeedLifecycle(t *testing.T) {
	h := newFeedHarness(t)

	require.NoError(t, h.feed.Initialize())
	require.NoError(t, h.feed.Start(context.Background()))
	assert.True(t, h.client.connected)

	err := h.feed.Start(context.Background())
	require.Error(t, err, "double start must fail")

	require.NoError(t, h.feed.Stop(time.Second))
	assert.True(t, h.client.disconnected)
	require.NoError(t, h.feed.Stop(time.Second), "stop is idempotent")
}

func TestStartBeforeInitializeFails(t *testing.T) {
	records := eventbus.NewTopic[telemetry.Record]("telemetry.records")
	signals := eventbus.NewTopic[telemetry.SourceSignal]("telemetry.signals")
	defer records.Close()
	defer signals.Close()

	feed := NewFeed(slog.Default(), testConfig(), records, signals)
	assert.Error(t, feed.Start(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.Broker = ""
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Topic = ""
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.QoS = 3
	assert.Error(t, cfg.Validate())
}
