package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/intent"
	"github.com/SensorsIot/BalloonHunter-sub005/policy"
)

func testConfig(predictionURL, routingURL string) Config {
	return Config{
		PredictionURL: predictionURL,
		RoutingURL:    routingURL,
		Timeout:       2 * time.Second,
	}
}

func TestPredictHappyPath(t *testing.T) {
	var gotReq predictionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{
			"path":[{"lat":47.37,"lon":8.54,"alt":12000},{"lat":47.50,"lon":8.70,"alt":30000}],
			"landing":{"lat":47.81,"lon":8.92,"alt":430},
			"landing_time":"2026-06-14T13:45:00Z"
		}`))
	}))
	defer srv.Close()

	client := NewPredictionClient(testConfig(srv.URL, srv.URL))
	result, err := client.Predict(context.Background(), policy.PredictionRequest{
		Lat: 47.37, Lon: 8.54, Altitude: 12000,
		AscentRate: 5.0, DescentRate: 6.0, BurstAltitude: 33000,
		At: time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.InDelta(t, 47.37, gotReq.Lat, 1e-9)
	assert.Equal(t, "2026-06-14T12:00:00Z", gotReq.Datetime)
	assert.Len(t, result.Path, 2)
	assert.InDelta(t, 47.81, result.LandingSite.Lat, 1e-9)
	assert.Equal(t, time.Date(2026, 6, 14, 13, 45, 0, 0, time.UTC), result.LandingAt)
}

func TestPredictServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewPredictionClient(testConfig(srv.URL, srv.URL))
	_, err := client.Predict(context.Background(), policy.PredictionRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPredictRejectionIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewPredictionClient(testConfig(srv.URL, srv.URL))
	_, err := client.Predict(context.Background(), policy.PredictionRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPredictRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewPredictionClient(testConfig(srv.URL, srv.URL))
	_, err := client.Predict(context.Background(), policy.PredictionRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPredictHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	client := NewPredictionClient(testConfig(srv.URL, srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Predict(ctx, policy.PredictionRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "a timeout is a retryable failure")
}

func TestRouteHappyPath(t *testing.T) {
	var gotReq routeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{
			"path":[{"lat":47.0,"lon":8.0},{"lat":47.8,"lon":8.9}],
			"distance_m":38250,
			"duration_s":2220
		}`))
	}))
	defer srv.Close()

	client := NewRouteClient(testConfig(srv.URL, srv.URL))
	result, err := client.Route(context.Background(), policy.RouteRequest{
		Origin:      policy.Point{Lat: 47.0, Lon: 8.0},
		Destination: policy.Point{Lat: 47.8, Lon: 8.9},
		Mode:        intent.TransportCycling,
	})
	require.NoError(t, err)

	assert.Equal(t, "cycling", gotReq.Mode)
	assert.Len(t, result.Path, 2)
	assert.InDelta(t, 38250, result.DistanceMeters, 1e-9)
	assert.Equal(t, 37*time.Minute, result.Duration)
	assert.Equal(t, intent.TransportCycling, result.Mode)
}

func TestRouteDefaultsToDriving(t *testing.T) {
	var gotReq routeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"path":[],"distance_m":0,"duration_s":0}`))
	}))
	defer srv.Close()

	client := NewRouteClient(testConfig(srv.URL, srv.URL))
	result, err := client.Route(context.Background(), policy.RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "driving", gotReq.Mode)
	assert.Equal(t, intent.TransportDriving, result.Mode)
}

func TestRouteGarbageResponseIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<xml/>`))
	}))
	defer srv.Close()

	client := NewRouteClient(testConfig(srv.URL, srv.URL))
	_, err := client.Route(context.Background(), policy.RouteRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig("http://p", "http://r").Validate())
	assert.Error(t, testConfig("", "http://r").Validate())
	assert.Error(t, testConfig("http://p", "").Validate())
}
