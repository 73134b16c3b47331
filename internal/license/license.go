// Package license talks to the external playback license service. The
// returned grant is opaque to the rest of the service.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rivercast/internal/errs"
	"rivercast/internal/observability/logging"
)

// Request identifies the viewer asking to play a session.
type Request struct {
	SessionID string `json:"sessionId"`
	ViewerID  string `json:"viewerId"`
	UserID    string `json:"userId,omitempty"`
}

// Grant is the playback authorization artifact handed back to the viewer.
type Grant struct {
	Token     string          `json:"token,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Authorizer issues playback grants.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Grant, error)
}

// Noop grants every request with an empty artifact.
type Noop struct{}

func (Noop) Authorize(context.Context, Request) (Grant, error) { return Grant{}, nil }

// Config controls the HTTP client.
type Config struct {
	BaseURL       string
	Token         string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

// HTTPClient requests grants from POST {BaseURL}/v1/licenses.
type HTTPClient struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("license service URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval < 0 {
		interval = 0
	}
	return &HTTPClient{
		baseURL:       base,
		token:         strings.TrimSpace(cfg.Token),
		client:        client,
		logger:        logging.WithComponent(logging.OrDefault(cfg.Logger), "license"),
		maxAttempts:   attempts,
		retryInterval: interval,
	}, nil
}

type licenseResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Authorize fails with errs.ErrForbidden when the service denies the viewer.
// Transport errors and 5xx responses are retried.
func (c *HTTPClient) Authorize(ctx context.Context, req Request) (Grant, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Grant{}, fmt.Errorf("marshal request: %w", err)
	}
	raw, err := c.doWithRetry(ctx, c.baseURL+"/v1/licenses", body)
	if err != nil {
		return Grant{}, err
	}
	var decoded licenseResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Grant{}, fmt.Errorf("decode license response: %w", err)
	}
	return Grant{Token: decoded.Token, ExpiresAt: decoded.ExpiresAt, Raw: raw}, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, http.StatusText(e.status), e.body)
}

func (c *HTTPClient) doWithRetry(ctx context.Context, url string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		data, err := c.do(ctx, url, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
		var se *statusError
		if errors.As(err, &se) && se.status < 500 {
			if se.status == http.StatusForbidden || se.status == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: license denied: %v", errs.ErrForbidden, err)
			}
			return nil, fmt.Errorf("license request rejected: %w", err)
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("license request failed", "url", url, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return nil, fmt.Errorf("license request failed: %w", lastErr)
}

func (c *HTTPClient) do(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
