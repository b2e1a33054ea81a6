package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hexvault/multiscan-api/internal/models"
)

// HTTPAdapter talks to an agent daemon over its JSON endpoint. The daemon
// wraps the vendor CLI on the remote machine; whatever product runs there,
// the wire contract is the same.
type HTTPAdapter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAdapter binds an adapter to one agent endpoint.
func NewHTTPAdapter(agent models.Agent, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &HTTPAdapter{
		endpoint: agent.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type scanRequest struct {
	Path string `json:"path"`
}

type scanResponse struct {
	RawOutput       string   `json:"raw_output"`
	DurationSeconds float64  `json:"duration_seconds"`
	InfectedCount   *int     `json:"infected_count"`
	ThreatNames     []string `json:"threat_names"`
	Error           string   `json:"error"`
}

// Scan submits the absolute path to the agent and maps the reply onto the
// adapter failure taxonomy.
func (a *HTTPAdapter) Scan(ctx context.Context, absolutePath string) (*ScanResult, error) {
	body, err := json.Marshal(scanRequest{Path: absolutePath})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/scan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrDeadline
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNotImplemented:
		return nil, ErrEngineMissing
	case http.StatusUnprocessableEntity, http.StatusInternalServerError:
		return nil, a.engineError(resp)
	default:
		return nil, fmt.Errorf("%w: agent returned status %d", ErrTransport, resp.StatusCode)
	}

	var payload scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if payload.InfectedCount == nil {
		return nil, fmt.Errorf("%w: agent omitted infected count", ErrEngineFailed)
	}

	return &ScanResult{
		RawOutput:       payload.RawOutput,
		DurationSeconds: payload.DurationSeconds,
		InfectedCount:   *payload.InfectedCount,
		ThreatNames:     payload.ThreatNames,
	}, nil
}

func (a *HTTPAdapter) engineError(resp *http.Response) error {
	var payload scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%w: %s", ErrEngineFailed, payload.Error)
	}
	return ErrEngineFailed
}
