// Package snapshot holds the single source of truth: a versioned, atomically
// published view combining canonical telemetry with the latest prediction and
// route results, with stale-result rejection by causality reference.
package snapshot

import (
	"context"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/policy"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

// Snapshot is the aggregator's published unit. Versions strictly increase on
// every publish; consumers must discard any snapshot whose version is at or
// below the last one they observed. A snapshot is always internally
// consistent; partial updates are never visible.
type Snapshot struct {
	Version uint64 `json:"version"`

	Canonical    telemetry.Canonical `json:"canonical"`
	MachineState telemetry.State     `json:"machine_state"`

	Prediction *policy.PredictionResult `json:"prediction,omitempty"`
	Route      *policy.RouteResult      `json:"route,omitempty"`

	// Degraded aggregates the policies' degraded flags and source health.
	Degraded bool `json:"degraded"`

	PublishedAt time.Time `json:"published_at"`
}

// Persister is the pass-through persistence collaborator. The aggregator
// invokes it fire-and-forget; persistence failures never block or corrupt
// the published state.
type Persister interface {
	// AppendTrack records one canonical track point.
	AppendTrack(ctx context.Context, c telemetry.Canonical) error
	// SaveSnapshot stores the latest snapshot for restore after a restart.
	SaveSnapshot(ctx context.Context, s Snapshot) error
	// LoadSnapshot returns the last stored snapshot, if any.
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
}
