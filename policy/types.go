// Package policy turns raw telemetry and user-intent arrival into
// rate-controlled triggers for the expensive external computations:
// trajectory prediction and chase routing.
//
// Both policies follow the same pipeline: evaluate trigger conditions,
// derive a quantized cache key, serve from cache when possible, otherwise
// run the external call off-loop under latest-wins coalescing with backoff
// retries. Every published result carries the canonical-telemetry sequence
// it was computed from, so the aggregator can reject stale results.
package policy

import (
	"context"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/intent"
)

// Point is one position on a computed path.
type Point struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Altitude float64 `json:"altitude"`
}

// PredictionRequest describes the balloon state a trajectory prediction
// starts from.
type PredictionRequest struct {
	Lat           float64
	Lon           float64
	Altitude      float64
	AscentRate    float64 // m/s
	DescentRate   float64 // m/s, positive magnitude
	BurstAltitude float64 // m
	At            time.Time
}

// PredictionResult is a computed trajectory. Immutable once created;
// superseded by newer results, never mutated.
type PredictionResult struct {
	Path        []Point
	LandingSite Point
	LandingAt   time.Time
	ComputedAt  time.Time

	// CacheKey is the quantized key the result was stored under.
	CacheKey string
	// BasedOnSequence is the canonical-telemetry sequence the computation
	// started from. The aggregator uses it for stale-result rejection.
	BasedOnSequence uint64
}

// RouteRequest describes one chase leg.
type RouteRequest struct {
	Origin      Point
	Destination Point
	Mode        intent.TransportMode
}

// RouteResult is a computed chase route.
type RouteResult struct {
	Path           []Point
	DistanceMeters float64
	Duration       time.Duration
	Mode           intent.TransportMode
	ComputedAt     time.Time

	CacheKey        string
	BasedOnSequence uint64
}

// Predictor is the external trajectory-prediction contract. Implementations
// must honor the context deadline; a timeout is treated as failure.
type Predictor interface {
	Predict(ctx context.Context, req PredictionRequest) (PredictionResult, error)
}

// Router is the external route-calculation contract.
type Router interface {
	Route(ctx context.Context, req RouteRequest) (RouteResult, error)
}

// Status is a policy health report published alongside results. Degraded is
// advisory state for consumers, never an arbitration transition.
type Status struct {
	Policy              string
	Degraded            bool
	ConsecutiveFailures int
	At                  time.Time
}
