// Package external implements the HTTP clients for the two computation
// collaborators: the trajectory prediction service and the routing service.
// Both are thin, context-bound wrappers that classify failures so the
// policies can tell a retryable outage from a rejected request.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
)

const maxBodyBytes = 4 << 20

// Config holds the endpoints of the computation services.
type Config struct {
	PredictionURL string        `json:"prediction_url" yaml:"prediction_url"`
	RoutingURL    string        `json:"routing_url" yaml:"routing_url"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Validate rejects configurations the clients cannot work with.
func (c Config) Validate() error {
	if c.PredictionURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "external", "Validate",
			"prediction url is required")
	}
	if c.RoutingURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "external", "Validate",
			"routing url is required")
	}
	return nil
}

// post sends a JSON request body and decodes the JSON response into out.
// Server-side failures come back Transient, rejected requests Invalid.
func post(ctx context.Context, client *http.Client, comp, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.WrapInvalid(err, comp, "post", "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, comp, "post", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, comp, "post", "round trip")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.WrapTransient(errors.ErrRateLimited, comp, "post",
			"service rate limited the call")
	case resp.StatusCode >= 500:
		return errors.WrapTransient(errors.ErrFetchFailed, comp, "post",
			fmt.Sprintf("service returned %d", resp.StatusCode))
	default:
		return errors.WrapInvalid(errors.ErrFetchFailed, comp, "post",
			fmt.Sprintf("service rejected the request with %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errors.WrapTransient(err, comp, "post", "read response")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapInvalid(err, comp, "post", "parse response")
	}
	return nil
}
