package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultAttempts = 3
	baseBackoff     = 500 * time.Millisecond
)

// Sleeper abstracts backoff waits so tests run without real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPError carries the status of a non-2xx response after retries are
// exhausted (or for statuses that are never retried).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Retryable reports whether the status warrants another attempt: server
// errors and 429 retry, all other 4xx fail immediately.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Client is the shared HTTP client for provider API calls. It retries
// transient failures with exponential backoff and honors Retry-After on 429.
type Client struct {
	http     *http.Client
	attempts int
	sleep    Sleeper
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport overrides the underlying round tripper. Used by tests to
// serve canned responses.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.http.Transport = rt }
}

// WithSleeper overrides the backoff wait function.
func WithSleeper(s Sleeper) ClientOption {
	return func(c *Client) { c.sleep = s }
}

// WithAttempts overrides the attempt count.
func WithAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// NewClient builds a Client with a 30s per-request timeout and 3 attempts.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:     &http.Client{Timeout: defaultTimeout},
		attempts: defaultAttempts,
		sleep:    realSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request, retrying on network errors, 5xx, and 429. The body
// is buffered so it can be replayed across attempts. On success the response
// body is fully read and returned; the caller never manages the stream.
func (c *Client) Do(req *http.Request) ([]byte, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(req.Context(), c.backoff(attempt, lastErr)); err != nil {
				return nil, err
			}
		}
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if !httpErr.Retryable() {
			return nil, httpErr
		}
		if wait := ParseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			lastErr = &retryAfterErr{HTTPError: httpErr, wait: wait}
		} else {
			lastErr = httpErr
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.attempts, lastErr)
}

// retryAfterErr decorates an HTTPError with the server's requested wait.
type retryAfterErr struct {
	*HTTPError
	wait time.Duration
}

func (e *retryAfterErr) Unwrap() error { return e.HTTPError }

// backoff computes the wait before the given attempt: exponential from the
// base, overridden by a Retry-After directive when the server sent one.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	if ra, ok := lastErr.(*retryAfterErr); ok && ra.wait > 0 {
		return ra.wait
	}
	return time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt-1)))
}

// ParseRetryAfter parses a Retry-After header (delta-seconds form). Returns
// zero for absent or malformed values.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// GetJSON issues a GET with the given headers and decodes nothing; callers
// unmarshal the returned bytes themselves.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

// PostJSON issues a POST with a JSON body and the given headers.
func (c *Client) PostJSON(ctx context.Context, url string, payload []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

// PostForm issues a POST with form-encoded body, used by OAuth token
// endpoints.
func (c *Client) PostForm(ctx context.Context, url string, form string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(form)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

// DeleteRequest issues a DELETE with the given headers.
func (c *Client) DeleteRequest(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}
