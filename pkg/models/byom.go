package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BYOMModel delegates prediction to an external HTTP service, so any decay
// model (gradient boosting, neural nets, a vendor tool) can be plugged in as
// long as it accepts standardized feature vectors.
//
// Contract:
//
//	POST <endpoint>
//	{"target": "compressor", "features": [0.12, -1.3, ...]}
//
//	200 OK
//	{"value": 0.973}
type BYOMModel struct {
	endpoint string
	target   string
	client   *http.Client
}

type byomRequest struct {
	Target   string    `json:"target"`
	Features []float64 `json:"features"`
}

type byomResponse struct {
	Value *float64 `json:"value"`
}

// NewBYOMModel creates a regressor backed by endpoint. target names the decay
// series ("compressor" or "turbine") so one service can serve both.
func NewBYOMModel(endpoint, target string) *BYOMModel {
	return &BYOMModel{
		endpoint: endpoint,
		target:   target,
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// WithClient replaces the HTTP client, e.g. with one configured for mTLS.
func (m *BYOMModel) WithClient(c *http.Client) *BYOMModel {
	if c != nil {
		m.client = c
	}
	return m
}

// Name returns the model identifier.
func (m *BYOMModel) Name() string {
	return "byom"
}

// Fit is a no-op; the external service owns training.
func (m *BYOMModel) Fit(ctx context.Context, X [][]float64, y []float64) error {
	return nil
}

// Predict posts the feature vector and returns the service's estimate.
func (m *BYOMModel) Predict(ctx context.Context, x []float64) (float64, error) {
	if len(x) == 0 {
		return 0, fmt.Errorf("byom: features cannot be empty")
	}

	body, err := json.Marshal(byomRequest{Target: m.target, Features: x})
	if err != nil {
		return 0, fmt.Errorf("byom: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("byom: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("byom: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("byom: http %d: %s", resp.StatusCode, string(msg))
	}

	var out byomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("byom: decode response: %w", err)
	}
	if out.Value == nil {
		return 0, fmt.Errorf("byom: response has no value")
	}

	return *out.Value, nil
}
