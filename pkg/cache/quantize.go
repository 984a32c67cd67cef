package cache

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Quantizer derives cache keys by rounding continuous inputs onto a coarse
// grid, so that nearby positions and near-simultaneous times collapse onto
// the same key. Two requests whose raw inputs fall within the same bucket
// produce identical keys and therefore at most one external call.
//
// Collisions across genuinely distinct requests are an accepted trade-off:
// grid and bucket sizes are tuned small enough that colliding requests are
// practically interchangeable.
type Quantizer struct {
	// GridDegrees is the positional grid cell size in degrees of
	// latitude/longitude (e.g. 0.01 ~ 1.1 km north-south).
	GridDegrees float64

	// AltitudeStep is the altitude bucket size in meters.
	AltitudeStep float64

	// TimeBucket is the temporal bucket width.
	TimeBucket time.Duration
}

// DefaultQuantizer returns the grid used when no tuning is configured:
// ~1 km position cells, 250 m altitude steps, 5 minute time buckets.
func DefaultQuantizer() Quantizer {
	return Quantizer{
		GridDegrees:  0.01,
		AltitudeStep: 250,
		TimeBucket:   5 * time.Minute,
	}
}

// LatIndex returns the grid index of a latitude.
func (q Quantizer) LatIndex(lat float64) int64 {
	return snap(lat, q.GridDegrees)
}

// LonIndex returns the grid index of a longitude.
func (q Quantizer) LonIndex(lon float64) int64 {
	return snap(lon, q.GridDegrees)
}

// AltIndex returns the bucket index of an altitude in meters.
func (q Quantizer) AltIndex(alt float64) int64 {
	return snap(alt, q.AltitudeStep)
}

// TimeIndex returns the bucket index of a timestamp.
func (q Quantizer) TimeIndex(t time.Time) int64 {
	if q.TimeBucket <= 0 {
		return t.UnixNano()
	}
	return t.UnixNano() / int64(q.TimeBucket)
}

// PositionKey renders a lat/lon pair as a key fragment.
func (q Quantizer) PositionKey(lat, lon float64) string {
	return strconv.FormatInt(q.LatIndex(lat), 10) + ":" + strconv.FormatInt(q.LonIndex(lon), 10)
}

// Key joins a namespace and fragments into a full cache key.
func Key(namespace string, fragments ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, f := range fragments {
		b.WriteByte('/')
		b.WriteString(f)
	}
	return b.String()
}

// snap maps a continuous value to its bucket index for the given step.
// A non-positive step degenerates to per-value buckets at micro precision.
func snap(v, step float64) int64 {
	if step <= 0 {
		step = 1e-6
	}
	return int64(math.Round(v / step))
}
