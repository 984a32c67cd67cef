package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared across the tracking core.
// Domain components (caches, bus, policies) register their own metrics
// through the registry; these cover the aggregate picture.
type Metrics struct {
	// Component lifecycle
	ComponentStatus *prometheus.GaugeVec

	// Event bus aggregate counters
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// Telemetry arbitration
	ActiveSource   prometheus.Gauge
	SourceSwitches prometheus.Counter

	// Aggregator
	SnapshotVersion prometheus.Gauge
	DegradedStatus  prometheus.Gauge

	// External computations (prediction, routing)
	ExternalCalls        *prometheus.CounterVec
	ExternalCallDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "status",
				Help:      "Component lifecycle state (0=created, 1=initialized, 2=started, 3=stopped, 4=failed)",
			},
			[]string{"component"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "bus",
				Name:      "events_published_total",
				Help:      "Total number of events published per topic",
			},
			[]string{"topic"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "bus",
				Name:      "events_dropped_total",
				Help:      "Events dropped due to slow subscribers, per topic",
			},
			[]string{"topic"},
		),

		ActiveSource: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "arbiter",
				Name:      "active_source",
				Help:      "Currently active telemetry source (0=none, 1=primary, 2=fallback)",
			},
		),

		SourceSwitches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "arbiter",
				Name:      "source_switches_total",
				Help:      "Total number of canonical source switches",
			},
		),

		SnapshotVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "snapshot",
				Name:      "version",
				Help:      "Version of the most recently published state snapshot",
			},
		),

		DegradedStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "snapshot",
				Name:      "degraded",
				Help:      "Aggregate degraded indicator (0=healthy, 1=degraded)",
			},
		),

		ExternalCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "external",
				Name:      "calls_total",
				Help:      "External computation calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		ExternalCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "external",
				Name:      "call_duration_seconds",
				Help:      "External computation call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
	}
}
