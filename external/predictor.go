package external

import (
	"context"
	"net/http"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/policy"
)

// predictionRequest is the prediction service wire format.
type predictionRequest struct {
	Lat           float64 `json:"launch_latitude"`
	Lon           float64 `json:"launch_longitude"`
	Altitude      float64 `json:"launch_altitude"`
	AscentRate    float64 `json:"ascent_rate"`
	DescentRate   float64 `json:"descent_rate"`
	BurstAltitude float64 `json:"burst_altitude"`
	Datetime      string  `json:"launch_datetime"`
}

type predictionResponse struct {
	Path        []pathPoint `json:"path"`
	Landing     pathPoint   `json:"landing"`
	LandingTime string      `json:"landing_time"`
}

type pathPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// PredictionClient calls the trajectory prediction service.
type PredictionClient struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
}

var _ policy.Predictor = (*PredictionClient)(nil)

// NewPredictionClient creates a predictor against the given endpoint.
func NewPredictionClient(cfg Config) *PredictionClient {
	cfg = cfg.withDefaults()
	return &PredictionClient{
		url:        cfg.PredictionURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// Predict implements policy.Predictor.
func (c *PredictionClient) Predict(ctx context.Context, req policy.PredictionRequest) (policy.PredictionResult, error) {
	wire := predictionRequest{
		Lat:           req.Lat,
		Lon:           req.Lon,
		Altitude:      req.Altitude,
		AscentRate:    req.AscentRate,
		DescentRate:   req.DescentRate,
		BurstAltitude: req.BurstAltitude,
		Datetime:      req.At.UTC().Format(time.RFC3339),
	}

	var resp predictionResponse
	if err := post(ctx, c.httpClient, "predictor", c.url, wire, &resp); err != nil {
		return policy.PredictionResult{}, err
	}

	landingAt, err := time.Parse(time.RFC3339, resp.LandingTime)
	if err != nil {
		return policy.PredictionResult{}, errors.WrapInvalid(err,
			"predictor", "Predict", "parse landing time")
	}

	result := policy.PredictionResult{
		Path:        make([]policy.Point, 0, len(resp.Path)),
		LandingSite: policy.Point{Lat: resp.Landing.Lat, Lon: resp.Landing.Lon, Altitude: resp.Landing.Alt},
		LandingAt:   landingAt,
		ComputedAt:  c.now(),
	}
	for _, p := range resp.Path {
		result.Path = append(result.Path, policy.Point{Lat: p.Lat, Lon: p.Lon, Altitude: p.Alt})
	}
	return result, nil
}
