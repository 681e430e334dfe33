// Package client is a Go SDK for the Guardian decision API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
)

const userAgent = "guardian-go-client/1.0"

// Wire types, re-exported for callers outside this module.
type (
	DecisionRequest     = api.DecisionRequest
	DecisionResponse    = api.DecisionResponse
	DecisionState       = api.DecisionState
	HistoricalPoint     = api.HistoricalPoint
	Params              = api.Params
	RegisterRequest     = api.RegisterRequest
	ProblemInstance     = api.ProblemInstance
	OutcomeRequest      = api.OutcomeRequest
	PerformanceRecord   = api.PerformanceRecord
	PerformanceResponse = api.PerformanceResponse
)

// Client calls the Guardian HTTP API.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserID sends X-User-ID on every request, as a gateway would.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// WithRetries retries decide calls that failed with a transient forecast
// error up to n more times, sleeping backoff·attempt between tries.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It matches the api error sentinels with
// errors.Is by status code.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("guardian API error (%d %s): %s", e.StatusCode, e.Type, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == api.ErrUnknownProblemID
	case http.StatusTooManyRequests:
		return target == api.ErrQuotaExceeded
	case http.StatusGatewayTimeout:
		return target == api.ErrForecastTimeout
	case http.StatusBadGateway:
		return target == api.ErrPredictorUnavailable
	case http.StatusBadRequest:
		return target == api.ErrInvalidRequest
	}
	return false
}

// Decide requests one decision. An empty req.ProblemID registers a new
// instance; the response carries its id.
func (c *Client) Decide(ctx context.Context, req api.DecisionRequest) (*api.DecisionResponse, error) {
	var out api.DecisionResponse
	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, http.MethodPost, "/v1/decide", req, &out)
		if err == nil || attempt >= c.retries || !api.IsTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt+1)):
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates a problem instance without deciding.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.ProblemInstance, error) {
	var out api.ProblemInstance
	if err := c.do(ctx, http.MethodPost, "/v1/problems", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Problem fetches an instance with its current decision state.
func (c *Client) Problem(ctx context.Context, problemID string) (*api.ProblemInstance, error) {
	var out api.ProblemInstance
	if err := c.do(ctx, http.MethodGet, "/v1/problems/"+url.PathEscape(problemID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordOutcome records realized costs or, with ActualOutcome, a realized
// horizon priced by the server.
func (c *Client) RecordOutcome(ctx context.Context, problemID string, req api.OutcomeRequest) (*api.PerformanceRecord, error) {
	var out api.PerformanceRecord
	path := "/v1/problems/" + url.PathEscape(problemID) + "/outcomes"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Performance returns the aggregate metrics and per-decision costs.
func (c *Client) Performance(ctx context.Context, problemID string) (*api.PerformanceResponse, error) {
	var out api.PerformanceResponse
	path := "/v1/problems/" + url.PathEscape(problemID) + "/performance"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if out.Status != "healthy" {
		return fmt.Errorf("health check failed: status %q", out.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var er api.ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error.Message != "" {
			apiErr.Type = er.Error.Type
			apiErr.Message = er.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
