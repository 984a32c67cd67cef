package mqttfeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

const (
	connectTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds handed to paho's Disconnect
)

// Config holds the broker connection settings for the primary feed.
type Config struct {
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

// Validate rejects configurations the feed cannot start with.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqttfeed", "Validate", "broker is required")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqttfeed", "Validate", "topic is required")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mqttfeed", "Validate",
			fmt.Sprintf("qos %d out of range", c.QoS))
	}
	return nil
}

// Metrics holds Prometheus metrics for the MQTT feed.
type Metrics struct {
	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter
	reconnects     prometheus.Counter
	connected      prometheus.Gauge
}

// newMetrics creates and registers feed metrics.
// Returns nil if no registry is provided.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "mqtt",
			Name:      "frames_received_total",
			Help:      "Telemetry frames received from the gateway topic",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "mqtt",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because the payload failed to decode",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Broker connection losses observed",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "Broker connection state (0=down, 1=up)",
		}),
	}

	_ = registry.RegisterCounter("mqtt_feed", "frames_received", m.framesReceived)
	_ = registry.RegisterCounter("mqtt_feed", "frames_dropped", m.framesDropped)
	_ = registry.RegisterCounter("mqtt_feed", "reconnects", m.reconnects)
	_ = registry.RegisterGauge("mqtt_feed", "connected", m.connected)

	return m
}

// Feed subscribes to the gateway's telemetry topic and republishes decoded
// records on the internal bus. Connection state changes become source
// signals so the arbiter learns about a dead link before the silence
// timeout fires.
type Feed struct {
	logger  *slog.Logger
	cfg     Config
	records *eventbus.Topic[telemetry.Record]
	signals *eventbus.Topic[telemetry.SourceSignal]

	client  mqtt.Client
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	started bool
}

var _ component.LifecycleComponent = (*Feed)(nil)

// FeedOption configures optional feed behavior.
type FeedOption func(*Feed)

// WithFeedMetrics registers feed metrics with the given registry.
func WithFeedMetrics(registry *metric.MetricsRegistry) FeedOption {
	return func(f *Feed) { f.metrics = newMetrics(registry) }
}

// WithFeedClock overrides the receive-time clock. Test use.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

// withClient injects a pre-built client, bypassing broker options. Test use.
func withClient(client mqtt.Client) FeedOption {
	return func(f *Feed) { f.client = client }
}

// NewFeed creates the primary telemetry feed.
func NewFeed(
	logger *slog.Logger,
	cfg Config,
	records *eventbus.Topic[telemetry.Record],
	signals *eventbus.Topic[telemetry.SourceSignal],
	options ...FeedOption,
) *Feed {
	f := &Feed{
		logger:  component.NewLogger(logger, "mqtt-feed"),
		cfg:     cfg,
		records: records,
		signals: signals,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Name implements component.LifecycleComponent.
func (f *Feed) Name() string { return "mqtt-feed" }

// Initialize validates the configuration and builds the broker client.
func (f *Feed) Initialize() error {
	if err := f.cfg.Validate(); err != nil {
		return err
	}
	if f.client != nil {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.cfg.Broker)
	opts.SetClientID(f.cfg.ClientID)
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)

	opts.OnConnect = f.onConnect
	opts.OnConnectionLost = f.onConnectionLost

	f.client = mqtt.NewClient(opts)
	return nil
}

// Start connects to the broker. The connection attempt runs in the
// background; paho keeps retrying until Stop.
func (f *Feed) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "mqttfeed", "Start", "Initialize not called")
	}
	if f.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "mqttfeed", "Start", "feed already started")
	}
	f.started = true

	token := f.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			// Auto-reconnect keeps trying; just make the failure visible.
			f.logger.Warn("initial broker connect failed",
				"broker", f.cfg.Broker, "error", err)
		}
	}()

	f.logger.Info("connecting to broker", "broker", f.cfg.Broker, "topic", f.cfg.Topic)
	return nil
}

// Stop disconnects from the broker.
func (f *Feed) Stop(_ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false

	if f.client.IsConnected() {
		f.client.Disconnect(disconnectQuiesce)
	}
	f.logger.Info("disconnected from broker")
	return nil
}

func (f *Feed) onConnect(c mqtt.Client) {
	token := c.Subscribe(f.cfg.Topic, f.cfg.QoS, f.handleMessage)
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		f.logger.Error("subscribe failed", "topic", f.cfg.Topic, "error", token.Error())
		return
	}

	if f.metrics != nil {
		f.metrics.connected.Set(1)
	}
	f.logger.Info("broker connected", "topic", f.cfg.Topic)
	f.signals.Publish(telemetry.SourceSignal{
		Source:  telemetry.SourcePrimary,
		Healthy: true,
		Cause:   "connected",
		At:      f.now(),
	})
}

func (f *Feed) onConnectionLost(_ mqtt.Client, err error) {
	if f.metrics != nil {
		f.metrics.connected.Set(0)
		f.metrics.reconnects.Inc()
	}
	f.logger.Warn("broker connection lost", "error", err)
	f.signals.Publish(telemetry.SourceSignal{
		Source:  telemetry.SourcePrimary,
		Healthy: false,
		Cause:   "connection lost",
		At:      f.now(),
	})
}

func (f *Feed) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	f.handlePayload(msg.Payload())
}

// handlePayload decodes one frame and publishes it. Malformed frames are
// dropped and counted, never fatal.
func (f *Feed) handlePayload(payload []byte) {
	rec, err := decodeFrame(payload, f.now())
	if err != nil {
		if f.metrics != nil {
			f.metrics.framesDropped.Inc()
		}
		f.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if f.metrics != nil {
		f.metrics.framesReceived.Inc()
	}
	f.records.Publish(rec)
}
