// Package httpfeed polls the community tracker API for balloon positions.
// It is the fallback telemetry source: higher latency, rate limited, but
// reachable whenever the phone has network, which is exactly when the LoRa
// link tends to be out of range.
package httpfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/retry"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

const maxBodyBytes = 1 << 20

// Config holds the fallback poller settings.
type Config struct {
	URL              string        `json:"url" yaml:"url"`
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	Retry            retry.Config  `json:"retry" yaml:"retry"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		}
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	return c
}

// Validate rejects configurations the poller cannot start with.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "httpfeed", "Validate", "url is required")
	}
	if c.PollInterval < 0 || c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httpfeed", "Validate",
			"intervals must not be negative")
	}
	return nil
}

// position is the tracker API response shape.
type position struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Altitude float64 `json:"alt"`
	VelH     float64 `json:"vel_h"`
	VelV     float64 `json:"vel_v"`
	Datetime string  `json:"datetime,omitempty"`
}

// decodeBody turns an API response body into a telemetry record.
func decodeBody(body []byte, receivedAt time.Time) (telemetry.Record, error) {
	var p position
	if err := json.Unmarshal(body, &p); err != nil {
		return telemetry.Record{}, errors.WrapInvalid(err, "httpfeed", "decodeBody", "parse response")
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return telemetry.Record{}, errors.WrapInvalid(errors.ErrInvalidData,
			"httpfeed", "decodeBody", fmt.Sprintf("position %.4f,%.4f out of range", p.Lat, p.Lon))
	}

	capturedAt := receivedAt
	if p.Datetime != "" {
		ts, err := time.Parse(time.RFC3339, p.Datetime)
		if err != nil {
			return telemetry.Record{}, errors.WrapInvalid(err, "httpfeed", "decodeBody", "parse datetime")
		}
		capturedAt = ts
	}

	return telemetry.Record{
		Source:          telemetry.SourceFallback,
		Lat:             p.Lat,
		Lon:             p.Lon,
		Altitude:        p.Altitude,
		HorizontalSpeed: p.VelH,
		VerticalSpeed:   p.VelV,
		CapturedAt:      capturedAt,
	}, nil
}

// Metrics holds Prometheus metrics for the fallback poller.
type Metrics struct {
	polls        prometheus.Counter
	pollFailures prometheus.Counter
	rateLimited  prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "httpfeed",
			Name:      "polls_total",
			Help:      "Poll attempts against the tracker API",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "httpfeed",
			Name:      "poll_failures_total",
			Help:      "Polls that failed after retries",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "httpfeed",
			Name:      "rate_limited_total",
			Help:      "Polls deferred because the API asked us to back off",
		}),
	}

	_ = registry.RegisterCounter("http_feed", "polls", m.polls)
	_ = registry.RegisterCounter("http_feed", "poll_failures", m.pollFailures)
	_ = registry.RegisterCounter("http_feed", "rate_limited", m.rateLimited)

	return m
}

// Feed polls the tracker API on a fixed interval and republishes positions
// on the internal bus. A Retry-After response header suspends polling until
// the stated moment; repeated failures raise an unhealthy source signal.
type Feed struct {
	logger  *slog.Logger
	cfg     Config
	records *eventbus.Topic[telemetry.Record]
	signals *eventbus.Topic[telemetry.SourceSignal]

	httpClient *http.Client
	metrics    *Metrics
	now        func() time.Time

	// loop-owned
	failures  int
	unhealthy bool
	holdUntil time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ component.LifecycleComponent = (*Feed)(nil)

// FeedOption configures optional poller behavior.
type FeedOption func(*Feed)

// WithFeedMetrics registers poller metrics with the given registry.
func WithFeedMetrics(registry *metric.MetricsRegistry) FeedOption {
	return func(f *Feed) { f.metrics = newMetrics(registry) }
}

// WithHTTPClient overrides the HTTP client. Test use.
func WithHTTPClient(client *http.Client) FeedOption {
	return func(f *Feed) { f.httpClient = client }
}

// WithFeedClock overrides the clock. Test use.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

// NewFeed creates the fallback telemetry poller.
func NewFeed(
	logger *slog.Logger,
	cfg Config,
	records *eventbus.Topic[telemetry.Record],
	signals *eventbus.Topic[telemetry.SourceSignal],
	options ...FeedOption,
) *Feed {
	f := &Feed{
		logger:  component.NewLogger(logger, "http-feed"),
		cfg:     cfg.withDefaults(),
		records: records,
		signals: signals,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{Timeout: f.cfg.Timeout}
	}
	return f
}

// Name implements component.LifecycleComponent.
func (f *Feed) Name() string { return "http-feed" }

// Initialize validates the configuration.
func (f *Feed) Initialize() error {
	return f.cfg.Validate()
}

// Start launches the poll loop. The first poll fires immediately so the
// fallback is warm before the primary has a chance to go silent.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "httpfeed", "Start", "poller already started")
	}
	f.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.loop(loopCtx)

	f.logger.Info("polling started", "url", f.cfg.URL, "interval", f.cfg.PollInterval)
	return nil
}

// Stop terminates the poll loop.
func (f *Feed) Stop(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	f.cancel()

	select {
	case <-f.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "httpfeed", "Stop",
			"poll loop did not stop in time")
	}
}

func (f *Feed) loop(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	f.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pollOnce(ctx)
		}
	}
}

// pollOnce runs a single poll cycle, respecting any standing back-off
// request from the API.
func (f *Feed) pollOnce(ctx context.Context) {
	if f.now().Before(f.holdUntil) {
		if f.metrics != nil {
			f.metrics.rateLimited.Inc()
		}
		return
	}

	if f.metrics != nil {
		f.metrics.polls.Inc()
	}

	body, err := retry.DoWithResult(ctx, f.cfg.Retry, func() ([]byte, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		f.pollFailed(err)
		return
	}

	rec, err := decodeBody(body, f.now())
	if err != nil {
		f.pollFailed(err)
		return
	}

	f.failures = 0
	if f.unhealthy {
		f.unhealthy = false
		f.signals.Publish(telemetry.SourceSignal{
			Source:  telemetry.SourceFallback,
			Healthy: true,
			Cause:   "poll recovered",
			At:      f.now(),
		})
	}
	f.records.Publish(rec)
}

// fetch performs one HTTP round trip. Rate-limit responses record the
// requested hold and are not retried; client errors are not retried either.
func (f *Feed) fetch(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, retry.NonRetryable(errors.WrapInvalid(err, "httpfeed", "fetch", "build request"))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "httpfeed", "fetch", "round trip")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, errors.WrapTransient(err, "httpfeed", "fetch", "read body")
		}
		return body, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		f.applyRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retry.NonRetryable(errors.WrapTransient(errors.ErrRateLimited,
			"httpfeed", "fetch", fmt.Sprintf("api returned %d", resp.StatusCode)))

	case resp.StatusCode >= 500:
		return nil, errors.WrapTransient(errors.ErrFetchFailed, "httpfeed", "fetch",
			fmt.Sprintf("api returned %d", resp.StatusCode))

	default:
		return nil, retry.NonRetryable(errors.WrapInvalid(errors.ErrFetchFailed,
			"httpfeed", "fetch", fmt.Sprintf("api returned %d", resp.StatusCode)))
	}
}

// applyRetryAfter parses a Retry-After header (seconds or HTTP date) and
// suspends polling until then. No header means one full poll interval.
func (f *Feed) applyRetryAfter(header string) {
	hold := f.cfg.PollInterval
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
			hold = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(header); err == nil {
			hold = at.Sub(f.now())
		}
	}
	if hold < 0 {
		hold = 0
	}
	f.holdUntil = f.now().Add(hold)
	f.logger.Warn("api requested back-off", "until", f.holdUntil)
}

func (f *Feed) pollFailed(err error) {
	if f.metrics != nil {
		f.metrics.pollFailures.Inc()
	}
	f.failures++
	f.logger.Warn("poll failed", "error", err, "consecutive", f.failures)

	if f.failures >= f.cfg.FailureThreshold && !f.unhealthy {
		f.unhealthy = true
		f.signals.Publish(telemetry.SourceSignal{
			Source:  telemetry.SourceFallback,
			Healthy: false,
			Cause:   "polls failing",
			At:      f.now(),
		})
	}
}
