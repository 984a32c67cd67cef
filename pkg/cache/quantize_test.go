package cache

import (
	"testing"
	"time"
)

func TestQuantizerPositionIdempotence(t *testing.T) {
	q := Quantizer{GridDegrees: 0.01, AltitudeStep: 250, TimeBucket: 5 * time.Minute}

	// Two positions inside the same grid cell must produce the same key
	a := q.PositionKey(47.3763, 8.5412)
	b := q.PositionKey(47.3768, 8.5409)
	if a != b {
		t.Errorf("Expected same key for nearby positions, got %q vs %q", a, b)
	}

	// A position in the next cell must differ
	c := q.PositionKey(47.3901, 8.5412)
	if a == c {
		t.Errorf("Expected distinct keys across grid cells, got %q", a)
	}
}

func TestQuantizerTimeBuckets(t *testing.T) {
	q := Quantizer{TimeBucket: 5 * time.Minute}

	base := time.Date(2026, 4, 12, 10, 2, 0, 0, time.UTC)
	near := base.Add(90 * time.Second)
	far := base.Add(10 * time.Minute)

	if q.TimeIndex(base) != q.TimeIndex(near) {
		t.Error("Expected near-simultaneous times to share a bucket")
	}
	if q.TimeIndex(base) == q.TimeIndex(far) {
		t.Error("Expected distant times in distinct buckets")
	}
}

func TestQuantizerAltitude(t *testing.T) {
	q := Quantizer{AltitudeStep: 250}

	if q.AltIndex(12010) != q.AltIndex(12090) {
		t.Error("Expected altitudes within one step to share a bucket")
	}
	if q.AltIndex(12010) == q.AltIndex(12400) {
		t.Error("Expected altitudes a step apart in distinct buckets")
	}
}

func TestQuantizerNegativeCoordinates(t *testing.T) {
	q := DefaultQuantizer()

	// Southern/western hemisphere must quantize consistently too
	a := q.PositionKey(-33.8688, -70.6693)
	b := q.PositionKey(-33.8690, -70.6695)
	if a != b {
		t.Errorf("Expected same key for nearby negative coordinates, got %q vs %q", a, b)
	}
}

func TestKeyComposition(t *testing.T) {
	got := Key("prediction", "4738:854", "48", "5921")
	want := "prediction/4738:854/48/5921"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestSnapDegenerateStep(t *testing.T) {
	q := Quantizer{} // zero-value: no tuning configured

	// Must not panic and must still be deterministic
	if q.LatIndex(1.23456) != q.LatIndex(1.23456) {
		t.Error("Expected deterministic index for zero-value quantizer")
	}
	if q.TimeIndex(time.Unix(10, 0)) == q.TimeIndex(time.Unix(11, 0)) {
		t.Error("Expected per-value buckets when TimeBucket unset")
	}
}
