package httpretry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/index-queue/internal/backoff"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout applies to each attempt separately
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is used when the caller passes a non-positive ceiling
	DefaultMaxRetries = 3
	maxBodyBytes      = 10 << 20
)

// Request describes an outbound call that can be rebuilt for every attempt
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read 2xx response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// RetryEvent describes one retryable condition, reported before the wait
type RetryEvent struct {
	URL        string
	Attempt    int
	StatusCode int
	Reason     string
	Wait       time.Duration
	Err        error
}

// Config holds HTTP retry client settings
type Config struct {
	HTTPClient *http.Client
	Backoff    *backoff.Policy
	Timeout    time.Duration
	// Limiter paces outbound requests; nil disables pacing
	Limiter *rate.Limiter
	// OnRetry is invoked on every retryable condition; nil disables it
	OnRetry func(RetryEvent)
	// ErrorEnvelope detects provider errors hidden inside 2xx bodies
	ErrorEnvelope func(body []byte) (string, bool)
	// Sleep waits between attempts; defaults to a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client wraps outbound provider requests with retry and classification
type Client struct {
	httpClient    *http.Client
	backoff       *backoff.Policy
	timeout       time.Duration
	limiter       *rate.Limiter
	onRetry       func(RetryEvent)
	errorEnvelope func(body []byte) (string, bool)
	sleep         func(ctx context.Context, d time.Duration) error
}

// New creates a new Client
func New(cfg Config) *Client {
	c := &Client{
		httpClient:    cfg.HTTPClient,
		backoff:       cfg.Backoff,
		timeout:       cfg.Timeout,
		limiter:       cfg.Limiter,
		onRetry:       cfg.OnRetry,
		errorEnvelope: cfg.ErrorEnvelope,
		sleep:         cfg.Sleep,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.backoff == nil {
		c.backoff = backoff.Default()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.errorEnvelope == nil {
		c.errorEnvelope = DetectErrorEnvelope
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// SlogRetryLogger adapts a slog.Logger to the OnRetry callback
func SlogRetryLogger(logger *slog.Logger) func(RetryEvent) {
	return func(ev RetryEvent) {
		attrs := []any{
			slog.String("url", ev.URL),
			slog.Int("attempt", ev.Attempt),
			slog.String("reason", ev.Reason),
			slog.Duration("retry_after", ev.Wait),
		}
		if ev.StatusCode != 0 {
			attrs = append(attrs, slog.Int("status", ev.StatusCode))
		}
		if ev.Err != nil {
			attrs = append(attrs, slog.Any("error", ev.Err))
		}
		logger.Warn("Provider request failed, retrying", attrs...)
	}
}

// Do sends req up to maxRetries times. A nil error means a 2xx without an error envelope.
// Failures are *Error values, except cancellation of ctx which is returned wrapped.
func (c *Client) Do(ctx context.Context, req Request, maxRetries int) (*Response, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	var lastStatus int
	var lastMessage string
	rateLimited := false

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
			}
		}

		status, header, body, err := c.attempt(ctx, method, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request canceled: %w", ctx.Err())
			}
			lastErr, lastStatus, lastMessage, rateLimited = err, 0, "", false
			if attempt < maxRetries {
				if err := c.wait(ctx, RetryEvent{URL: req.URL, Attempt: attempt, Reason: "transport", Err: err}, c.backoff.Delay(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			if msg, ok := c.errorEnvelope(body); ok {
				return nil, &Error{Kind: KindProvider, URL: req.URL, StatusCode: status, Message: msg, Attempts: attempt}
			}
			return &Response{StatusCode: status, Header: header, Body: body, Attempts: attempt}, nil

		case status == http.StatusTooManyRequests:
			lastErr, lastStatus, lastMessage, rateLimited = nil, status, parseErrorMessage(body), true
			if attempt < maxRetries {
				delay, ok := retryAfter(header)
				if !ok {
					delay = c.backoff.Delay(attempt)
				}
				if err := c.wait(ctx, RetryEvent{URL: req.URL, Attempt: attempt, StatusCode: status, Reason: "rate_limited"}, delay); err != nil {
					return nil, err
				}
			}

		case status >= 500:
			lastErr, lastStatus, lastMessage, rateLimited = nil, status, parseErrorMessage(body), false
			if attempt < maxRetries {
				if err := c.wait(ctx, RetryEvent{URL: req.URL, Attempt: attempt, StatusCode: status, Reason: "server_error"}, c.backoff.Delay(attempt)); err != nil {
					return nil, err
				}
			}

		default:
			return nil, &Error{Kind: KindRejected, URL: req.URL, StatusCode: status, Message: parseErrorMessage(body), Attempts: attempt}
		}
	}

	kind := KindExhausted
	if rateLimited {
		kind = KindRateLimited
	}
	return nil, &Error{
		Kind:       kind,
		URL:        req.URL,
		StatusCode: lastStatus,
		Message:    lastMessage,
		Attempts:   maxRetries,
		Err:        lastErr,
	}
}

// attempt performs one request under its own timeout and reads the body fully
func (c *Client) attempt(ctx context.Context, method string, req Request) (int, http.Header, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, resp.Header, data, nil
}

func (c *Client) wait(ctx context.Context, ev RetryEvent, delay time.Duration) error {
	ev.Wait = delay
	if c.onRetry != nil {
		c.onRetry(ev)
	}
	if err := c.sleep(ctx, delay); err != nil {
		return fmt.Errorf("request canceled: %w", err)
	}
	return nil
}

// retryAfter parses a numeric Retry-After header in seconds
func retryAfter(header http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
