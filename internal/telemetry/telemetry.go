// Package telemetry serializes a sample into the cloud variable list and
// posts it to the collection endpoint.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"thermonode/internal/sensor"
)

const (
	DefaultEndpoint = "http://api.tago.io/data"

	// TokenHeader carries the device token; the endpoint does not use
	// Authorization.
	TokenHeader = "token"

	DefaultTimeout = 10 * time.Second

	maxErrorBody = 512
)

// Record is one entry of the payload. Value is nil when the reading is not a
// finite number, which encodes as JSON null.
type Record struct {
	Variable string   `json:"variable"`
	Value    *float64 `json:"value"`
	Unit     string   `json:"unit"`
}

// BuildPayload maps a sample to its four records, always in this order:
// temperature_bmp, pressure, temperature_aht, humidity.
func BuildPayload(s sensor.Sample) []Record {
	return []Record{
		{Variable: "temperature_bmp", Value: finite(s.TemperatureBMP), Unit: "°C"},
		{Variable: "pressure", Value: finite(s.PressureKPa), Unit: "kPa"},
		{Variable: "temperature_aht", Value: finite(s.TemperatureAHT), Unit: "°C"},
		{Variable: "humidity", Value: finite(s.Humidity), Unit: "%"},
	}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// StatusError is returned when the endpoint answers with anything but 202.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("telemetry: endpoint returned %d: %s", e.Code, e.Body)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Reporter posts samples to one endpoint with one device token.
type Reporter struct {
	endpoint string
	token    string
	client   Doer
	logger   *slog.Logger
}

// NewReporter builds a reporter. A nil client gets an *http.Client with
// DefaultTimeout.
func NewReporter(endpoint, token string, client Doer, logger *slog.Logger) *Reporter {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{endpoint: endpoint, token: token, client: client, logger: logger}
}

// Report sends one sample. Only 202 Accepted counts as delivered; the sample
// is not retried or buffered.
func (r *Reporter) Report(ctx context.Context, s sensor.Sample) error {
	body, err := json.Marshal(BuildPayload(s))
	if err != nil {
		return fmt.Errorf("telemetry: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, r.token)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: post %s: %w", r.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	r.logger.Info("telemetry sent",
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
