// Package webhook provides the HTTP transport webhook deliveries go out on.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
)

const (
	DefaultTimeout      = 10 * time.Second
	maxResponseBodySize = 64 * 1024
)

// Transport posts webhook bodies. Redirects are refused so a validated URL
// cannot bounce the request into private address space.
type Transport struct {
	httpClient *http.Client
	logger     *common.Logger
}

var _ interfaces.WebhookTransport = (*Transport)(nil)

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.httpClient.Timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a webhook transport.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Post sends the body and returns the response status and a bounded read of
// the response body.
func (t *Transport) Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	t.logger.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Msg("Webhook posted")

	return resp.StatusCode, respBody, nil
}
