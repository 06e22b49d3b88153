// Package runpod provides a client for a RunPod-style serverless GPU
// endpoint: submit a job, poll its status, cancel it.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 10 // requests per second
)

// Client implements the RemoteEndpoint interface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new endpoint client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an endpoint error response.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("endpoint error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// statusResponse is the wire shape of /run and /status responses.
type statusResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// Submit posts the payload to /run and returns the remote job id.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"input": payload})
	if err != nil {
		return "", fmt.Errorf("failed to encode submit body: %w", err)
	}

	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/run", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("endpoint accepted job but returned no id")
	}

	c.logger.Debug().Str("remote_job_id", resp.ID).Str("state", resp.Status).Msg("Job submitted")
	return resp.ID, nil
}

// Status fetches /status/{id}. A 404 maps to interfaces.ErrRemoteNotFound.
func (c *Client) Status(ctx context.Context, remoteJobID string) (*interfaces.RemoteStatus, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/status/"+remoteJobID, nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("status %s: %w", remoteJobID, interfaces.ErrRemoteNotFound)
		}
		return nil, err
	}

	return &interfaces.RemoteStatus{
		State:       interfaces.RemoteState(resp.Status),
		Output:      resp.Output,
		Error:       resp.Error,
		ExecutionMs: resp.ExecutionTime,
	}, nil
}

// Cancel posts /cancel/{id}. Cancelling an already-finished job is not an
// error.
func (c *Client) Cancel(ctx context.Context, remoteJobID string) error {
	err := c.do(ctx, http.MethodPost, "/cancel/"+remoteJobID, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Health reports whether /health answers 200.
func (c *Client) Health(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err == nil
}

// do performs a rate-limited request with auth headers.
func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("Endpoint request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Ensure Client implements RemoteEndpoint
var _ interfaces.RemoteEndpoint = (*Client)(nil)
