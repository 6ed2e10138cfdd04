// Package upload transfers finished recordings to the transcription service.
//
// Upload posts the raw blob and expects a JSON body carrying the remote
// reference. Every failed attempt (network error, timeout, non-2xx status or
// a missing reference) is retried with exponential backoff until the attempt
// budget is spent.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/types"
)

const source = "upload"

// Defaults.
const (
	DefaultURL         = "https://api.assemblyai.com/v2/upload"
	DefaultTimeout     = 60 * time.Second
	DefaultRetries     = types.UploadRetries
	DefaultBackoffBase = time.Second
)

// Config configures the upload client.
type Config struct {
	// URL is the upload endpoint (default DefaultURL).
	URL string
	// APIKey is sent verbatim in the Authorization header.
	APIKey string
	// Timeout bounds each attempt (default 60s).
	Timeout time.Duration
	// Retries is the number of attempts after the first (default 2).
	// Use a negative value for a single attempt.
	Retries int
	// BackoffBase is the delay after the first failed attempt; it doubles
	// after each subsequent failure (default 1s).
	BackoffBase time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// errNoReference is returned when a 2xx response lacks upload_url.
var errNoReference = errors.New("response missing upload_url")

// Client uploads recordings.
type Client struct {
	cfg     Config
	http    *resty.Client
	metrics *metrics.Collector
	log     log.Sink
}

// New creates a client, applying defaults.
func New(cfg Config, m *metrics.Collector, sink log.Sink) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.APIKey == "" {
		return nil, errors.New("upload client requires an API key")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = DefaultRetries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if sink == nil {
		sink = log.Nop
	}

	hc := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", cfg.APIKey).
		SetHeader("Content-Type", "application/octet-stream")

	return &Client{cfg: cfg, http: hc, metrics: m, log: sink}, nil
}

// Attempts returns the total attempt budget.
func (c *Client) Attempts() int {
	return 1 + c.cfg.Retries
}

// Backoff returns the delay after failed attempt k (0-based).
func (c *Client) Backoff(k int) time.Duration {
	return c.cfg.BackoffBase << uint(k)
}

// Upload sends blob and returns the remote reference. The same blob is
// resent on every attempt.
func (c *Client) Upload(ctx context.Context, blob []byte) (*types.UploadReceipt, error) {
	if len(blob) == 0 {
		return nil, types.NewPipelineError(types.ErrUpload, "upload", types.ErrEmptyRecording)
	}

	var lastErr error
	attempts := c.Attempts()

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, types.NewPipelineError(types.ErrUpload, "upload", err)
		}

		// Backoff before retries (not before first attempt)
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, types.NewPipelineError(types.ErrUpload, "upload", ctx.Err())
			case <-time.After(c.Backoff(i - 1)):
			}
		}

		c.metrics.IncUploadAttempt()
		receipt, err := c.attempt(ctx, blob)
		if err == nil {
			c.log.Info(source, "recording uploaded", map[string]any{
				"attempt": i + 1,
				"bytes":   len(blob),
			})
			return receipt, nil
		}
		lastErr = err
		c.log.Warn(source, "upload attempt failed", map[string]any{
			"attempt":  i + 1,
			"attempts": attempts,
			"error":    err.Error(),
		})
	}

	c.metrics.IncUploadFailure()
	return nil, types.NewPipelineError(types.ErrUpload, "upload",
		fmt.Errorf("failed after %d attempts: %w", attempts, lastErr))
}

func (c *Client) attempt(ctx context.Context, blob []byte) (*types.UploadReceipt, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(blob).
		Post(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 200)}
	}

	var receipt types.UploadReceipt
	if err := json.Unmarshal(resp.Body(), &receipt); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if receipt.RemoteReference == "" {
		return nil, errNoReference
	}
	return &receipt, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
