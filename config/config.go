// Package config loads and validates the tracker's configuration from a
// single JSON or YAML file. Every numeric threshold in the system (trigger
// spacing, silence timeouts, quantization granularity, cache sizing) lives
// here; none of them are contract.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/external"
	"github.com/SensorsIot/BalloonHunter-sub005/policy"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

// Config is the complete tracker configuration.
type Config struct {
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	Prediction policy.Config        `json:"prediction" yaml:"prediction"`
	Routing    policy.Config        `json:"routing" yaml:"routing"`
	Flight     policy.FlightProfile `json:"flight" yaml:"flight"`

	Quantize QuantizeConfig  `json:"quantize" yaml:"quantize"`
	Cache    CacheConfig     `json:"cache" yaml:"cache"`
	External external.Config `json:"external" yaml:"external"`

	MQTT    MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	WS      WSConfig      `json:"ws" yaml:"ws"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// QuantizeConfig tunes the cache key grid.
type QuantizeConfig struct {
	GridDegrees  float64       `json:"grid_degrees" yaml:"grid_degrees"`
	AltitudeStep float64       `json:"altitude_step" yaml:"altitude_step"`
	TimeBucket   time.Duration `json:"time_bucket" yaml:"time_bucket"`
}

// CacheConfig sizes the prediction and route caches.
type CacheConfig struct {
	Capacity int           `json:"capacity" yaml:"capacity"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// MQTTConfig points at the LoRa gateway bridge carrying the primary feed.
type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

// HTTPConfig points at the fallback tracker API.
type HTTPConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	URL          string        `json:"url" yaml:"url"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
}

// WSConfig configures the snapshot WebSocket feed.
type WSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// StoreConfig configures track persistence.
type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Telemetry:  telemetry.DefaultConfig(),
		Prediction: policy.DefaultConfig(),
		Routing:    policy.DefaultConfig(),
		Flight: policy.FlightProfile{
			AscentRate:    5.0,
			DescentRate:   6.0,
			BurstAltitude: 33000,
		},
		Quantize: QuantizeConfig{
			GridDegrees:  0.01,
			AltitudeStep: 250,
			TimeBucket:   5 * time.Minute,
		},
		Cache: CacheConfig{
			Capacity: 128,
			TTL:      15 * time.Minute,
		},
		External: external.Config{
			PredictionURL: "http://localhost:8100/predict",
			RoutingURL:    "http://localhost:8101/route",
			Timeout:       30 * time.Second,
		},
		MQTT: MQTTConfig{
			Enabled:  true,
			Broker:   "tcp://localhost:1883",
			ClientID: "trackerd",
			Topic:    "balloon/telemetry",
			QoS:      1,
		},
		HTTP: HTTPConfig{
			Enabled:      true,
			URL:          "http://localhost:8080/api/telemetry/latest",
			PollInterval: 30 * time.Second,
			Timeout:      10 * time.Second,
		},
		WS: WSConfig{
			Enabled: true,
			Addr:    ":8090",
			Path:    "/ws",
		},
		Store: StoreConfig{
			Enabled: false,
			DSN:     "tracker:tracker@tcp(localhost:3306)/tracker?parseTime=true",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file, layering it over the defaults. The format
// is chosen by extension: .json, or .yaml/.yml.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
	}

	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse JSON")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse YAML")
		}
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Load",
			fmt.Sprintf("unsupported config extension %q", ext))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for inconsistencies.
func (c *Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Prediction.Validate(); err != nil {
		return err
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if c.Cache.Capacity <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("cache capacity must be positive, got %d", c.Cache.Capacity))
	}
	if c.Cache.TTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"cache ttl must not be negative")
	}
	if err := c.External.Validate(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"mqtt enabled without a broker")
	}
	if c.MQTT.Enabled && c.MQTT.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"mqtt enabled without a topic")
	}
	if c.HTTP.Enabled && c.HTTP.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"http fallback enabled without a url")
	}
	if c.HTTP.Enabled && c.HTTP.PollInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"http poll interval must be positive")
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"store enabled without a dsn")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
	}
	return nil
}
