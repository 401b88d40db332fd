// Package httpx executes provider HTTP requests with retry, backoff and a
// shared tuned transport. It is the only component that talks to the network.
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy configures retry behavior for one request.
// The zero value means "no retries"; use DefaultRetryPolicy for the usual
// exponential schedule.
type RetryPolicy struct {
	MaxRetries   int           // retry attempts after the first try (default 3)
	InitialDelay time.Duration // delay before the first retry (default 200ms)
	Exponential  bool          // double the delay each attempt
	Jitter       float64       // fraction of the delay randomized, 0 disables
}

// DefaultRetryPolicy returns the standard policy: 3 retries, 200ms initial
// delay, exponential backoff with ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		Exponential:  true,
		Jitter:       0.2,
	}
}

// Delay returns the backoff before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if p.Exponential {
		delay = p.InitialDelay << uint(attempt)
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// retryableStatus reports whether an HTTP status warrants another attempt:
// 429 and all 5xx. Other 4xx are the caller's problem.
func retryableStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status < 600
}

// retryableError reports whether a transport error warrants another attempt.
// Cancellation and deadline expiry are never retried.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Everything else out of http.Client.Do is a connect/read/TLS failure.
	return true
}

// maxRetryAfter caps how long a Retry-After header can stall a retry.
const maxRetryAfter = 30 * time.Second

// retryAfter extracts a provider-suggested delay from a 429/503 response.
// Returns 0 when the header is absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}
