package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/axonhive/axonhive-backend/pkg/logging"
	"github.com/axonhive/axonhive-backend/pkg/retry"
)

// Config holds configuration for the retrying HTTP client
type Config struct {
	RetryConfig     *retry.RetryConfig
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	MaxResponseSize int64
}

// DefaultConfig returns default configuration for HTTP operations
func DefaultConfig() *Config {
	return &Config{
		RetryConfig:     retry.DefaultRetryConfig(),
		Timeout:         10 * time.Second,
		IdleConnTimeout: 30 * time.Second,
		MaxResponseSize: 1 << 20,
	}
}

// HTTPError represents an HTTP-specific error with status code
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client is a wrapper around http.Client that includes retry logic.
// Requests are retried on network errors, 5xx and 429 responses.
type Client struct {
	client *http.Client
	config *Config
	logger logging.Logger
}

// NewClient creates a new HTTP client with retry capabilities
func NewClient(config *Config, logger logging.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RetryConfig == nil {
		config.RetryConfig = retry.DefaultRetryConfig()
	}
	if config.RetryConfig.ShouldRetry == nil {
		config.RetryConfig.ShouldRetry = func(err error, attempt int) bool {
			if httpErr, ok := err.(*HTTPError); ok {
				return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
			}
			return true
		}
	}

	return &Client{
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				IdleConnTimeout: config.IdleConnTimeout,
				DialContext: (&net.Dialer{
					Timeout:   config.Timeout / 2,
					KeepAlive: config.IdleConnTimeout,
				}).DialContext,
			},
		},
		config: config,
		logger: logger,
	}
}

// GetJSON performs a GET request and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// PostJSON performs a POST request with a JSON body and decodes the JSON
// response into out (which may be nil).
func (c *Client) PostJSON(ctx context.Context, url string, payload interface{}, out interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, url, encoded)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	operation := func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s request: %w", method, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &HTTPError{
				StatusCode: resp.StatusCode,
				Message:    truncate(string(body), 200),
			}
		}
		return body, nil
	}

	return retry.Retry(ctx, operation, c.config.RetryConfig, c.logger)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
