// Package telemetry merges the primary and fallback telemetry feeds into one
// canonical stream through a seven-state arbitration machine with debounced
// source switching.
package telemetry

import "time"

// Source identifies a telemetry feed.
type Source string

const (
	// SourcePrimary is the low-latency point-to-point feed.
	SourcePrimary Source = "primary"
	// SourceFallback is the network-polled tracker feed.
	SourceFallback Source = "fallback"
	// SourceNone marks canonical events emitted while no feed is active.
	SourceNone Source = ""
)

// Record is one decoded telemetry fix. Records are immutable values; feed
// adapters create them and nothing mutates them afterwards.
type Record struct {
	Source          Source
	Lat             float64
	Lon             float64
	Altitude        float64 // meters
	HorizontalSpeed float64 // m/s
	VerticalSpeed   float64 // m/s, negative while descending
	SignalQuality   float64 // 0..1, adapter-normalized
	CapturedAt      time.Time
}

// SourceHealth summarizes a feed's liveness. It is owned and mutated only by
// the arbitration machine; callers receive copies.
type SourceHealth struct {
	LastSeen            time.Time
	ConsecutiveFailures int
	Degraded            bool
}

// SourceSignal is a feed adapter's out-of-band health report: a lost MQTT
// connection, a failed HTTP poll, or a recovery.
type SourceSignal struct {
	Source  Source
	Healthy bool
	Cause   string
	At      time.Time
}

// Canonical is the arbitration machine's output: the record currently treated
// as ground truth, the source it came from and a monotonically increasing
// sequence number. Two Canonical values with the same sequence are identical.
type Canonical struct {
	Sequence uint64
	State    State
	Source   Source
	Record   Record
	HasFix   bool // false until the machine has seen at least one record
}
