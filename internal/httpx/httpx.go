// Package httpx is the outbound HTTP transport shared by the remote cache
// client and the identity API client. It applies one retry policy and turns
// every non-2xx answer into a typed *Error.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultRetries is the number of additional attempts after the first.
	DefaultRetries = 1
	// DefaultRetryDelay is the fixed pause before a retry.
	DefaultRetryDelay = 200 * time.Millisecond

	maxErrorBody = 1 << 20
)

// Error is the typed failure returned for non-2xx responses and transport
// errors. Transport errors carry Status 500 and the underlying error in Err.
type Error struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Err     error           `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf returns the status carried by err when it is an *Error, else 0.
func StatusOf(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// RequestFunc builds a fresh request for every attempt so bodies can be replayed.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Client sends requests with a bounded retry on transient failures.
type Client struct {
	http       *http.Client
	retries    int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithRetryDelay overrides the pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a Client whose requests time out after timeout.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request built by newReq. A 2xx response is returned to the
// caller, who must close its body. Anything else comes back as *Error.
func (c *Client) Do(ctx context.Context, newReq RequestFunc) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.retryDelay); err != nil {
				return nil, &Error{Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &Error{Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastErr = responseError(resp)
		if !retryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// retryableStatus treats 5xx as transient, except 501 which never changes.
func retryableStatus(status int) bool {
	return status >= 500 && status != http.StatusNotImplemented
}

func responseError(resp *http.Response) *Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	e := &Error{Status: resp.StatusCode}
	if len(body) > 0 && json.Valid(body) {
		e.Data = json.RawMessage(body)
	}
	e.Message = extractMessage(body)
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// extractMessage pulls a human-readable message out of an error body.
func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return strings.TrimSpace(string(body))
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if msg, ok := t["message"].(string); ok && msg != "" {
			return msg
		}
		switch e := t["error"].(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(body))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
