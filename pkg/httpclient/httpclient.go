// Copyright 2025 The Nestor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient provides an HTTP client with retry and backoff for
// rate-limited and transiently failing upstream APIs.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Strategy decides how a failed request is retried.
type Strategy int

const (
	// NoRetry fails immediately.
	NoRetry Strategy = iota

	// QuickRetry retries a couple of times with short fixed delays.
	// Used for transient server errors.
	QuickRetry

	// BackoffRetry honors Retry-After when present, otherwise backs off
	// exponentially. Used for rate limits.
	BackoffRetry
)

// StrategyFunc maps an HTTP status code to a retry strategy.
type StrategyFunc func(statusCode int) Strategy

// DefaultStrategy retries rate limits with backoff and server errors
// quickly.
func DefaultStrategy(statusCode int) Strategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return BackoffRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return QuickRetry
	default:
		return NoRetry
	}
}

// RetryableError reports a request that kept failing after all retries.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s (status %d, retry after %v)", e.Message, e.StatusCode, e.RetryAfter)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Client wraps http.Client with retries.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	strategy   StrategyFunc
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMaxRetries sets the retry cap.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the exponential backoff base.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithStrategy overrides the status-to-strategy mapping.
func WithStrategy(fn StrategyFunc) Option {
	return func(c *Client) { c.strategy = fn }
}

// New creates a retrying client. Defaults: 60s timeout, 5 retries, 2s
// base delay.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 5,
		baseDelay:  2 * time.Second,
		strategy:   DefaultStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request, retrying per the configured strategy. Requests
// with bodies must set GetBody so the body can be replayed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategy(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}

		delay := c.delayFor(strategy, attempt, resp.Header)
		if attempt >= c.maxRetries || delay <= 0 {
			resp.Body.Close()
			return nil, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
				RetryAfter: delay,
			}
		}

		resp.Body.Close()
		slog.Debug("retrying HTTP request",
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1,
			"max", c.maxRetries)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return nil, &RetryableError{
		Message:    fmt.Sprintf("max retries exceeded after %d attempts", c.maxRetries),
		RetryAfter: c.baseDelay * 2,
	}
}

func (c *Client) delayFor(strategy Strategy, attempt int, headers http.Header) time.Duration {
	switch strategy {
	case BackoffRetry:
		if after := parseRetryAfter(headers); after > 0 {
			return after
		}
		exp := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(float64(exp) * 0.1)
		return exp + jitter
	case QuickRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(attempt+1) * c.baseDelay
	default:
		return 0
	}
}

// parseRetryAfter reads the Retry-After header as seconds or HTTP date.
func parseRetryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
