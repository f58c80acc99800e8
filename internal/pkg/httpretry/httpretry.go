// Package httpretry wraps an HTTP client with automatic retries, exponential
// backoff and jitter for calls against ESP and payment provider APIs.
//
// Only transient failures are retried: 429, 500, 502, 503, 504 and network
// errors. Client errors (400/401/403/404) are returned immediately so the
// caller can apply its own credential-refresh or not-found handling.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/listpilot/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *Client satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries transient failures with exponential backoff and full jitter.
type Client struct {
	inner      HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New wraps doer with retry behavior. A nil doer gets a default http.Client
// with a 30s timeout. maxRetries counts attempts after the first request;
// values <= 0 fall back to 3.
func New(doer HTTPDoer, maxRetries int) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		inner:      doer,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Do executes the request, retrying on retryable statuses and transient
// network errors. A Retry-After header on a retryable response overrides
// the computed backoff (capped at maxDelay), since rate-limited providers
// state exactly when they will accept the next call. On the final attempt
// the response is returned as-is so the caller can inspect status and body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var serverWait time.Duration

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: resetting request body: %w", err)
				}
				req.Body = body
			}

			delay := c.backoff(attempt)
			if serverWait > delay {
				delay = serverWait
			}
			serverWait = 0
			logger.Debug("httpretry: retrying",
				"attempt", attempt, "max", c.maxRetries,
				"method", req.Method, "host", req.URL.Host, "delay", delay.String())

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == c.maxRetries {
			return resp, nil
		}

		serverWait = retryAfter(resp, c.maxDelay)

		// Drain for connection reuse before retrying.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// backoff returns baseDelay * 2^(attempt-1) capped at maxDelay, with full
// jitter and a 100ms floor.
func (c *Client) backoff(attempt int) time.Duration {
	exp := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.maxDelay) {
		exp = float64(c.maxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// retryAfter parses the Retry-After header of a retryable response, in
// either delay-seconds or HTTP-date form. Returns 0 when the header is
// absent or unparseable; the result never exceeds limit.
func retryAfter(resp *http.Response, limit time.Duration) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
