// Package handoff submits uploaded recordings to the summarization webhook.
//
// The webhook answers synchronously with either the finished transcription
// and summary, a "still processing" acknowledgement, or a failure. Submit
// classifies the answer into a Disposition; it never polls.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/types"
)

const source = "handoff"

// DefaultTimeout is the default request timeout.
const DefaultTimeout = 120 * time.Second

// Disposition classifies the webhook answer.
type Disposition string

const (
	// DispositionCompleted means transcription and summary are available.
	DispositionCompleted Disposition = "completed"
	// DispositionPending means the work was accepted but is not finished.
	DispositionPending Disposition = "pending"
	// DispositionFailed means the webhook rejected the work.
	DispositionFailed Disposition = "failed"
)

// Config configures the handoff client.
type Config struct {
	// URL is the summarization webhook (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout bounds the request (default 120s).
	Timeout time.Duration
	// TimeoutAsPending classifies a client timeout as pending.
	TimeoutAsPending bool
}

// Request is the hand-off payload.
type Request struct {
	// AudioURL is where the recording can be fetched.
	AudioURL string
	// UploadURL is the transcription service reference.
	UploadURL string
}

type requestBody struct {
	AudioURL      string `json:"audio_url"`
	UploadURL     string `json:"assembly_upload_url"`
	Transcription string `json:"transcripcion"`
	Summary       string `json:"resumen"`
}

type responseBody struct {
	Success *bool `json:"success"`
	Pending bool  `json:"pending"`
	Data    struct {
		Transcription string `json:"transcripcion"`
		Summary       string `json:"resumen"`
	} `json:"data"`
	Error string `json:"error"`
}

// Result is a classified webhook answer.
type Result struct {
	Disposition   Disposition
	Transcription string
	Summary       string
	// Reason carries the webhook's error text or the timeout cause.
	Reason string
}

// StatusError is returned for non-2xx responses without a JSON body.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Client submits hand-offs.
type Client struct {
	cfg     Config
	http    *resty.Client
	metrics *metrics.Collector
	log     log.Sink
}

// New creates a client. Returns an error if the URL is empty.
func New(cfg Config, m *metrics.Collector, sink log.Sink) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("handoff client requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if sink == nil {
		sink = log.Nop
	}
	hc := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)
	return &Client{cfg: cfg, http: hc, metrics: m, log: sink}, nil
}

// Submit posts the hand-off and classifies the answer. A failed disposition
// is returned together with a WebhookError.
func (c *Client) Submit(ctx context.Context, req Request) (*Result, error) {
	body := requestBody{AudioURL: req.AudioURL, UploadURL: req.UploadURL}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.cfg.URL)
	if err != nil {
		if ctx.Err() == nil && c.cfg.TimeoutAsPending && isTimeout(err) {
			c.metrics.IncWebhookPending()
			c.log.Warn(source, "webhook timed out; treating as pending", map[string]any{
				"timeout": c.cfg.Timeout.String(),
			})
			return &Result{Disposition: DispositionPending, Reason: "timeout"}, nil
		}
		return c.fail(&Result{Disposition: DispositionFailed, Reason: err.Error()},
			fmt.Errorf("request failed: %w", err))
	}

	var rb responseBody
	if jerr := json.Unmarshal(resp.Body(), &rb); jerr != nil || rb.Success == nil {
		if !resp.IsSuccess() {
			return c.fail(&Result{Disposition: DispositionFailed}, &StatusError{Code: resp.StatusCode()})
		}
		return c.fail(&Result{Disposition: DispositionFailed}, errors.New("malformed webhook response"))
	}

	switch {
	case *rb.Success && rb.Data.Summary == "":
		return c.fail(&Result{Disposition: DispositionFailed, Reason: "empty summary"},
			errors.New("webhook reported success without a summary"))
	case *rb.Success:
		if rb.Data.Transcription == "" {
			c.log.Warn(source, "summarization completed without a transcription", nil)
		}
		c.metrics.IncWebhookCompleted()
		c.log.Info(source, "summarization completed", map[string]any{
			"transcription_chars": len(rb.Data.Transcription),
			"summary_chars":       len(rb.Data.Summary),
		})
		return &Result{
			Disposition:   DispositionCompleted,
			Transcription: rb.Data.Transcription,
			Summary:       rb.Data.Summary,
		}, nil
	case rb.Pending:
		c.metrics.IncWebhookPending()
		c.log.Info(source, "summarization pending", map[string]any{"status": resp.StatusCode()})
		return &Result{Disposition: DispositionPending, Reason: rb.Error}, nil
	default:
		reason := rb.Error
		if reason == "" {
			reason = "webhook reported failure"
		}
		return c.fail(&Result{Disposition: DispositionFailed, Reason: reason}, errors.New(reason))
	}
}

func (c *Client) fail(res *Result, cause error) (*Result, error) {
	c.metrics.IncWebhookFailed()
	c.log.Error(source, "summarization hand-off failed", map[string]any{"error": cause.Error()})
	return res, types.NewPipelineError(types.ErrWebhook, "handoff", cause)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}
