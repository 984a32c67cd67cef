package external

import (
	"context"
	"net/http"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/intent"
	"github.com/SensorsIot/BalloonHunter-sub005/policy"
)

// routeRequest is the routing service wire format.
type routeRequest struct {
	Origin      pathPoint `json:"origin"`
	Destination pathPoint `json:"destination"`
	Mode        string    `json:"mode"`
}

type routeResponse struct {
	Path            []pathPoint `json:"path"`
	DistanceMeters  float64     `json:"distance_m"`
	DurationSeconds float64     `json:"duration_s"`
}

// RouteClient calls the routing service.
type RouteClient struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
}

var _ policy.Router = (*RouteClient)(nil)

// NewRouteClient creates a router against the given endpoint.
func NewRouteClient(cfg Config) *RouteClient {
	cfg = cfg.withDefaults()
	return &RouteClient{
		url:        cfg.RoutingURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// Route implements policy.Router.
func (c *RouteClient) Route(ctx context.Context, req policy.RouteRequest) (policy.RouteResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = intent.TransportDriving
	}

	wire := routeRequest{
		Origin:      pathPoint{Lat: req.Origin.Lat, Lon: req.Origin.Lon},
		Destination: pathPoint{Lat: req.Destination.Lat, Lon: req.Destination.Lon},
		Mode:        string(mode),
	}

	var resp routeResponse
	if err := post(ctx, c.httpClient, "router", c.url, wire, &resp); err != nil {
		return policy.RouteResult{}, err
	}

	result := policy.RouteResult{
		Path:           make([]policy.Point, 0, len(resp.Path)),
		DistanceMeters: resp.DistanceMeters,
		Duration:       time.Duration(resp.DurationSeconds * float64(time.Second)),
		Mode:           mode,
		ComputedAt:     c.now(),
	}
	for _, p := range resp.Path {
		result.Path = append(result.Path, policy.Point{Lat: p.Lat, Lon: p.Lon, Altitude: p.Alt})
	}
	return result, nil
}
