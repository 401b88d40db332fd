package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification. Pipeline errors wrap exactly one of
// these so callers can branch with errors.Is.
var (
	ErrNotConfigured    = errors.New("not configured")
	ErrTemplateNotFound = errors.New("template not found")
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrTranslation      = errors.New("translation error")
	ErrTransport        = errors.New("transport error")
	ErrProviderHTTP     = errors.New("provider http error")
	ErrProtocolMismatch = errors.New("provider protocol mismatch")
	ErrCancelled        = errors.New("cancelled")
	ErrTimeout          = errors.New("timeout")
)

// Validation errors with actionable guidance.
var (
	ErrNoMessages         = errors.New("no messages: add at least one message to the request")
	ErrNoInputs           = errors.New("no inputs: add at least one string to embed")
	ErrToolCallIDRequired = errors.New("tool message missing tool_call_id")
)

// GatewayError carries the structured context of a failed gateway call.
type GatewayError struct {
	Provider string // provider id, if known
	Status   int    // HTTP status, 0 when not applicable
	Message  string // short human-readable description, credential-free
	Err      error  // sentinel kind, for errors.Is
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.Status)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return e.Message
}

// Unwrap returns the sentinel kind for error chaining.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewError builds a GatewayError wrapping the given sentinel kind.
func NewError(kind error, provider, format string, args ...any) *GatewayError {
	return &GatewayError{
		Provider: provider,
		Message:  fmt.Sprintf(format, args...),
		Err:      kind,
	}
}

// NewHTTPError builds a GatewayError for a non-2xx provider response.
// The body is truncated and redacted before it lands in the message.
func NewHTTPError(provider string, status int, body []byte) *GatewayError {
	return &GatewayError{
		Provider: provider,
		Status:   status,
		Message:  fmt.Sprintf("provider returned %d: %s", status, Redact(Truncate(string(body), 256))),
		Err:      ErrProviderHTTP,
	}
}
