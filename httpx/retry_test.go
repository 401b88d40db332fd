package httpx

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, Exponential: true}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyDelayConstant(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: 50 * time.Millisecond}
	for attempt := 0; attempt < 3; attempt++ {
		if got := p.Delay(attempt); got != 50*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want 50ms", attempt, got)
		}
	}
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, Exponential: true, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("Delay(1) = %v, want within ±20%% of 200ms", d)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.status); got != tt.want {
			t.Errorf("retryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRetryableError(t *testing.T) {
	if retryableError(nil) {
		t.Error("retryableError(nil) = true")
	}
	if retryableError(context.Canceled) {
		t.Error("cancellation reported retryable")
	}
	if retryableError(context.DeadlineExceeded) {
		t.Error("deadline expiry reported retryable")
	}
	if !retryableError(errors.New("connection refused")) {
		t.Error("transport failure not reported retryable")
	}
}

func TestRetryAfter(t *testing.T) {
	mk := func(v string) *http.Response {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		return &http.Response{Header: h}
	}

	if got := retryAfter(mk("")); got != 0 {
		t.Errorf("retryAfter(no header) = %v, want 0", got)
	}
	if got := retryAfter(mk("2")); got != 2*time.Second {
		t.Errorf("retryAfter(2) = %v, want 2s", got)
	}
	if got := retryAfter(mk("9999")); got != maxRetryAfter {
		t.Errorf("retryAfter(9999) = %v, want cap %v", got, maxRetryAfter)
	}
	if got := retryAfter(mk("garbage")); got != 0 {
		t.Errorf("retryAfter(garbage) = %v, want 0", got)
	}
}
