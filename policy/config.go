package policy

import (
	"fmt"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/retry"
)

// Config holds one policy's trigger thresholds and external-call limits.
// All values are tunables; zero values are replaced by defaults.
type Config struct {
	// CruiseInterval is the minimum spacing between computations while the
	// balloon is cruising.
	CruiseInterval time.Duration `json:"cruise_interval" yaml:"cruise_interval"`
	// TerminalInterval is the tighter spacing used near an anticipated
	// landing.
	TerminalInterval time.Duration `json:"terminal_interval" yaml:"terminal_interval"`
	// MovementThresholdMeters triggers a recomputation when the horizontal
	// displacement since the last successful one exceeds it.
	MovementThresholdMeters float64 `json:"movement_threshold_meters" yaml:"movement_threshold_meters"`
	// AltitudeThresholdMeters is the vertical displacement trigger.
	AltitudeThresholdMeters float64 `json:"altitude_threshold_meters" yaml:"altitude_threshold_meters"`
	// TerminalAltitudeMeters: descending below this altitude switches the
	// derived urgency to near-terminal.
	TerminalAltitudeMeters float64 `json:"terminal_altitude_meters" yaml:"terminal_altitude_meters"`
	// Cooldown is the minimum gap between external calls for one key,
	// regardless of how the trigger fired. Manual intents respect it too.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// CallTimeout bounds each external call; a timeout counts as a failure.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
	// Retry is the backoff curve for failed external calls.
	Retry retry.Config `json:"retry" yaml:"retry"`
	// DegradedAfterFailures publishes a degraded status once this many
	// consecutive failures accumulate for a key.
	DegradedAfterFailures int `json:"degraded_after_failures" yaml:"degraded_after_failures"`
}

// DefaultConfig returns the thresholds used when the config file leaves them
// unset.
func DefaultConfig() Config {
	return Config{
		CruiseInterval:          2 * time.Minute,
		TerminalInterval:        30 * time.Second,
		MovementThresholdMeters: 500,
		AltitudeThresholdMeters: 500,
		TerminalAltitudeMeters:  3000,
		Cooldown:                15 * time.Second,
		CallTimeout:             30 * time.Second,
		Retry: retry.Config{
			MaxAttempts:  1,
			InitialDelay: 5 * time.Second,
			MaxDelay:     2 * time.Minute,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		DegradedAfterFailures: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CruiseInterval <= 0 {
		c.CruiseInterval = def.CruiseInterval
	}
	if c.TerminalInterval <= 0 {
		c.TerminalInterval = def.TerminalInterval
	}
	if c.MovementThresholdMeters <= 0 {
		c.MovementThresholdMeters = def.MovementThresholdMeters
	}
	if c.AltitudeThresholdMeters <= 0 {
		c.AltitudeThresholdMeters = def.AltitudeThresholdMeters
	}
	if c.TerminalAltitudeMeters <= 0 {
		c.TerminalAltitudeMeters = def.TerminalAltitudeMeters
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry = def.Retry
	}
	if c.DegradedAfterFailures <= 0 {
		c.DegradedAfterFailures = def.DegradedAfterFailures
	}
	return c
}

// Validate rejects configurations the policy cannot schedule with.
func (c Config) Validate() error {
	if c.TerminalInterval > c.CruiseInterval && c.CruiseInterval > 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "policy", "Validate",
			fmt.Sprintf("terminal interval %v must not exceed cruise interval %v",
				c.TerminalInterval, c.CruiseInterval))
	}
	return nil
}
