package mqttfeed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

// frame is the wire format published by the gateway bridge. Timestamps are
// RFC 3339; a frame without one is stamped at receive time.
type frame struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Altitude float64 `json:"alt"`
	Speed    float64 `json:"speed"`
	Climb    float64 `json:"climb"`
	SNR      float64 `json:"snr"`
	Time     string  `json:"time,omitempty"`
}

// decodeFrame turns a raw MQTT payload into a telemetry record.
func decodeFrame(payload []byte, receivedAt time.Time) (telemetry.Record, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return telemetry.Record{}, errors.WrapInvalid(err, "mqttfeed", "decodeFrame", "parse payload")
	}

	if f.Lat < -90 || f.Lat > 90 {
		return telemetry.Record{}, errors.WrapInvalid(errors.ErrInvalidData,
			"mqttfeed", "decodeFrame", fmt.Sprintf("latitude %.4f out of range", f.Lat))
	}
	if f.Lon < -180 || f.Lon > 180 {
		return telemetry.Record{}, errors.WrapInvalid(errors.ErrInvalidData,
			"mqttfeed", "decodeFrame", fmt.Sprintf("longitude %.4f out of range", f.Lon))
	}

	capturedAt := receivedAt
	if f.Time != "" {
		ts, err := time.Parse(time.RFC3339, f.Time)
		if err != nil {
			return telemetry.Record{}, errors.WrapInvalid(err, "mqttfeed", "decodeFrame", "parse timestamp")
		}
		capturedAt = ts
	}

	return telemetry.Record{
		Source:          telemetry.SourcePrimary,
		Lat:             f.Lat,
		Lon:             f.Lon,
		Altitude:        f.Altitude,
		HorizontalSpeed: f.Speed,
		VerticalSpeed:   f.Climb,
		SignalQuality:   f.SNR,
		CapturedAt:      capturedAt,
	}, nil
}
