// Package intent defines the user-intent events flowing from the
// presentation layer into the policies.
package intent

import "time"

// Kind discriminates intent events.
type Kind string

const (
	// KindRecomputePrediction requests an immediate trajectory prediction,
	// bypassing the time and movement triggers.
	KindRecomputePrediction Kind = "recompute_prediction"
	// KindRecomputeRoute requests an immediate route calculation.
	KindRecomputeRoute Kind = "recompute_route"
	// KindTransportMode changes the transport mode used for routing.
	KindTransportMode Kind = "transport_mode"
	// KindModeOverride pins or releases the urgency mode.
	KindModeOverride Kind = "mode_override"
	// KindChaserPosition reports the chase party's current position, used as
	// the routing origin.
	KindChaserPosition Kind = "chaser_position"
)

// TransportMode selects the routing profile.
type TransportMode string

const (
	TransportDriving TransportMode = "driving"
	TransportCycling TransportMode = "cycling"
	TransportWalking TransportMode = "walking"
)

// Urgency selects how tightly the policies space their recomputations.
type Urgency string

const (
	// UrgencyAuto lets the policy derive urgency from the telemetry.
	UrgencyAuto Urgency = ""
	// UrgencyCruise spaces recomputations widely.
	UrgencyCruise Urgency = "cruise"
	// UrgencyNearTerminal tightens spacing around an anticipated landing.
	UrgencyNearTerminal Urgency = "nearTerminal"
)

// Intent is one user action. Only the fields relevant to the Kind are set.
type Intent struct {
	Kind          Kind
	TransportMode TransportMode // KindTransportMode
	Urgency       Urgency       // KindModeOverride
	Lat           float64       // KindChaserPosition
	Lon           float64       // KindChaserPosition
	At            time.Time
}
