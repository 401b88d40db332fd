package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/relay/core"
)

func postRequest(t *testing.T, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return req
}

func TestDoRetriesOn500ThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	e := NewExecutor()
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, Exponential: true}

	start := time.Now()
	resp, err := e.Do(context.Background(), postRequest(t, server.URL, "{}"), policy, false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	// Two backoffs: >= 10ms + >= 20ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 30ms of backoff", elapsed)
	}
}

func TestDoDoesNotRetry400(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad"}}`)
	}))
	defer server.Close()

	e := NewExecutor()
	resp, err := e.Do(context.Background(), postRequest(t, server.URL, "{}"), DefaultRetryPolicy(), false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestDoRetries429(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewExecutor()
	policy := RetryPolicy{MaxRetries: 2, InitialDelay: 5 * time.Millisecond}
	resp, err := e.Do(context.Background(), postRequest(t, server.URL, "{}"), policy, false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestDoMaxRetriesZeroDisablesRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e := NewExecutor()
	resp, err := e.Do(context.Background(), postRequest(t, server.URL, "{}"), RetryPolicy{}, false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500 (last response surfaced)", resp.StatusCode)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestDoReplaysBodyAcrossAttempts(t *testing.T) {
	var bodies []string
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewExecutor()
	policy := RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond}
	resp, err := e.Do(context.Background(), postRequest(t, server.URL, `{"model":"m"}`), policy, false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("server saw %d bodies, want 2", len(bodies))
	}
	for i, b := range bodies {
		if b != `{"model":"m"}` {
			t.Errorf("bodies[%d] = %q, want request body replayed intact", i, b)
		}
	}
}

func TestDoCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only watches for client disconnect once the request
		// body is consumed; without this drain, r.Context() never cancels
		// and server.Close() deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Do(ctx, postRequest(t, server.URL, "{}"), DefaultRetryPolicy(), false)
	if err == nil {
		t.Fatal("Do() error = nil, want cancellation")
	}
	if !errors.Is(err, core.ErrCancelled) {
		t.Errorf("error kind = %v, want ErrCancelled", err)
	}
}

func TestDoTransportErrorKind(t *testing.T) {
	e := NewExecutor()
	// Nothing listens here.
	req := postRequest(t, "http://127.0.0.1:1/nope", "{}")
	_, err := e.Do(context.Background(), req, RetryPolicy{}, false)
	if !errors.Is(err, core.ErrTransport) {
		t.Errorf("error = %v, want ErrTransport kind", err)
	}
}

func TestDoStreamingHeadersBeforeBody(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()
	defer close(release)

	e := NewExecutor()
	resp, err := e.Do(context.Background(), postRequest(t, server.URL, "{}"), RetryPolicy{}, true)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	// Headers must be readable while the body is still open.
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{0, DefaultTimeout},
		{-1, DefaultTimeout},
		{1, MinTimeout},
		{60, 60 * time.Second},
		{99999, MaxTimeout},
	}
	for _, tt := range tests {
		if got := ClampTimeout(tt.seconds); got != tt.want {
			t.Errorf("ClampTimeout(%d) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}
