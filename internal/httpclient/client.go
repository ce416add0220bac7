// Package httpclient wraps outbound provider calls with bounded exponential backoff.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/telemetry"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

const (
	// DefaultMaxResponseBytes caps how much of a provider body is buffered (10MB).
	DefaultMaxResponseBytes = 10 * 1024 * 1024

	tracerName = "github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
)

// Limiter throttles calls per upstream host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls retries and buffering.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           bool
	Timeout          time.Duration
	MaxResponseBytes int64
}

// DefaultConfig returns three attempts with a one second base delay and no jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		Timeout:          30 * time.Second,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// Request is one logical outbound call. Name labels metrics and spans.
type Request struct {
	Name   string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewJSONRequest marshals payload and sets the JSON content type.
func NewJSONRequest(name, method, url string, payload any) (Request, error) {
	req := Request{Name: name, Method: method, URL: url, Header: http.Header{}}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return Request{}, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Response is a fully buffered provider answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx answer. Non-retryable 4xx answers unwrap to tracker.ErrClientRequest.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	const limit = 256
	body := e.Body
	if len(body) > limit {
		body = body[:limit]
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, bytes.TrimSpace(body))
}

// Unwrap maps terminal client errors onto the shared taxonomy.
func (e *StatusError) Unwrap() error {
	if !IsRetryableStatus(e.StatusCode) && e.StatusCode >= 400 && e.StatusCode < 500 {
		return tracker.ErrClientRequest
	}
	return nil
}

// IsRetryableStatus reports whether status is a transient failure.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Client executes requests with retries. It holds no per-call state and is safe for concurrent use.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter Limiter
	logger  *zap.Logger
	policy  *backoffPolicy
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLimiter enables per-host rate limiting.
func WithLimiter(l Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Client. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	c := &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: zap.NewNop(),
		policy: newBackoffPolicy(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("httpclient")
	return c
}

// Do sends req, retrying transient failures up to MaxAttempts times in total.
// Backoff sleeps return early with the context error when ctx is done.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	name := req.Name
	if name == "" {
		name = "upstream"
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "httpclient."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("net.peer.name", telemetry.SanitizeHost(req.URL)),
	)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			telemetry.ObserveRetry(name)
		}
		resp, err := c.attempt(ctx, name, req)
		if err == nil {
			resp.Attempts = attempt + 1
			resp.Duration = time.Since(start)
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Int("retry.attempts", resp.Attempts))
			telemetry.ObserveUpstream(name, "ok")
			return resp, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.finish(span, name, "canceled", ctxErr)
		}
		if !retryable(err) {
			return nil, c.finish(span, name, "rejected", err)
		}
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		delay := c.policy.Backoff(attempt)
		c.logger.Warn("upstream attempt failed, backing off",
			zap.String("endpoint", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, c.finish(span, name, "canceled", err)
		}
	}

	err := fmt.Errorf("%w: %s after %d attempts: %w", tracker.ErrUpstreamUnavailable, name, c.cfg.MaxAttempts, lastErr)
	return nil, c.finish(span, name, "exhausted", err)
}

func (c *Client) finish(span trace.Span, name, outcome string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	telemetry.ObserveUpstream(name, outcome)
	c.logger.Debug("upstream call finished", zap.String("endpoint", name), zap.String("outcome", outcome), zap.Error(err))
	return err
}

func (c *Client) attempt(ctx context.Context, name string, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.URL); err != nil {
			return nil, &permanentError{err: err}
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, &permanentError{err: fmt.Errorf("build request: %w", err)}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	telemetry.ObserveUpstreamAttempt(name, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	limited := io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1)
	payload, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", name, err)
	}
	if int64(len(payload)) > c.cfg.MaxResponseBytes {
		return nil, &permanentError{err: fmt.Errorf("%s response exceeds %d bytes", name, c.cfg.MaxResponseBytes)}
	}

	c.logger.Debug("upstream response",
		zap.String("endpoint", name),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: payload}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: payload}, nil
}

// permanentError marks local failures that another attempt cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableStatus(statusErr.StatusCode)
	}
	// Connection refused, resets and client timeouts all land here.
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
