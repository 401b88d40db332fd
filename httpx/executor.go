package httpx

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/petal-labs/relay/core"
)

// Timeout bounds.
const (
	MinTimeout     = 5 * time.Second
	MaxTimeout     = 3600 * time.Second
	DefaultTimeout = 30 * time.Second
)

// ClampTimeout converts a host-configured timeout in seconds to a duration
// within [MinTimeout, MaxTimeout], defaulting when unset.
func ClampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// sharedTransport is the process-wide connection pool. Connection reuse
// requires a single transport, so this is the one deliberate process global.
var sharedTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxConnsPerHost:       64,
	MaxIdleConnsPerHost:   64,
	MaxIdleConns:          128,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 0, // Expect: 100-continue disabled
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
}

// Executor sends provider HTTP requests with retry and backoff.
// Executor is safe for concurrent use.
type Executor struct {
	client  *http.Client
	timeout time.Duration
	logger  core.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the per-request timeout, clamped to [MinTimeout, MaxTimeout].
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d < MinTimeout {
			d = MinTimeout
		}
		if d > MaxTimeout {
			d = MaxTimeout
		}
		e.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithHTTPClient replaces the HTTP client. Intended for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.client = c
		}
	}
}

// NewExecutor creates an Executor over the shared transport.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		client:  &http.Client{Transport: sharedTransport},
		timeout: DefaultTimeout,
		logger:  core.NopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetTimeout applies a new configured timeout for subsequent requests.
func (e *Executor) SetTimeout(d time.Duration) {
	WithTimeout(d)(e)
}

// Do executes the request, retrying per policy on transport failures, 5xx
// and 429. Non-2xx responses after the final attempt are returned, not
// errors; only transport failures, cancellation and timeout produce errors.
//
// For streaming requests the timeout covers headers only; body lifetime is
// governed by the request context. For non-streaming requests the timeout
// covers the full exchange including body read; the returned body must be
// closed to release the deadline.
//
// The request must carry GetBody (true for bytes.Reader-backed requests) so
// attempts after the first can replay the body.
func (e *Executor) Do(ctx context.Context, req *http.Request, policy RetryPolicy, streaming bool) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := e.attempt(ctx, req, streaming)
		if err != nil {
			if !retryableError(err) || attempt >= policy.MaxRetries {
				return nil, classify(err)
			}
			e.logger.Warn("request to %s failed (attempt %d/%d): %v",
				core.Redact(req.URL.Redacted()), attempt+1, policy.MaxRetries+1, err)
			if err := sleep(ctx, policy.Delay(attempt)); err != nil {
				return nil, classify(err)
			}
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < policy.MaxRetries {
			delay := policy.Delay(attempt)
			if ra := retryAfter(resp); ra > delay {
				delay = ra
			}
			e.logger.Warn("request to %s returned %d (attempt %d/%d), retrying in %v",
				core.Redact(req.URL.Redacted()), resp.StatusCode, attempt+1, policy.MaxRetries+1, delay)
			drain(resp)
			if err := sleep(ctx, delay); err != nil {
				return nil, classify(err)
			}
			continue
		}

		// Final answer, successful or not.
		return resp, nil
	}
}

// attempt sends the request once with the configured timeout semantics.
func (e *Executor) attempt(ctx context.Context, req *http.Request, streaming bool) (*http.Response, error) {
	body, err := replayBody(req)
	if err != nil {
		return nil, err
	}

	if streaming {
		// Headers-only deadline: the stream itself may outlive the timeout.
		attemptCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(e.timeout, cancel)

		r := req.Clone(attemptCtx)
		r.Body = body
		resp, err := e.client.Do(r)
		timer.Stop()
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	// Full-exchange deadline, released when the body is closed.
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)

	r := req.Clone(attemptCtx)
	r.Body = body
	resp, err := e.client.Do(r)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// replayBody produces a fresh body reader for the attempt.
func replayBody(req *http.Request) (io.ReadCloser, error) {
	if req.Body == nil {
		return nil, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("httpx: request body is not replayable")
	}
	return req.GetBody()
}

// classify maps low-level failures onto the gateway error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return core.NewError(core.ErrCancelled, "", "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewError(core.ErrTimeout, "", "request deadline exceeded")
	default:
		return &core.GatewayError{Message: core.Redact(err.Error()), Err: core.ErrTransport}
	}
}

// sleep waits for d, honoring cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// cancelBody releases the attempt's context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
