package core

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Logger is the logging port consumed throughout the gateway.
// Implementations must be safe to call from any goroutine; hosts that
// restrict logging to one thread must marshal internally.
//
// No call site hands a Logger an API key or an Authorization value. Strings
// that might carry one (endpoints, response bodies) pass through Redact
// before they are logged.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// NopLogger discards everything. Use as a default when no logger is injected.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

var _ Logger = NopLogger{}

// SlogLogger adapts a *slog.Logger to the Logger port.
type SlogLogger struct {
	L *slog.Logger
}

// NewSlogLogger wraps the given slog logger, defaulting to slog.Default().
func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{L: l}
}

func (s SlogLogger) Debug(format string, args ...any) { s.L.Debug(sprintf(format, args)) }
func (s SlogLogger) Info(format string, args ...any)  { s.L.Info(sprintf(format, args)) }
func (s SlogLogger) Warn(format string, args ...any)  { s.L.Warn(sprintf(format, args)) }
func (s SlogLogger) Error(format string, args ...any) { s.L.Error(sprintf(format, args)) }

func sprintf(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// redactPatterns match credential material that must never reach a log line:
// Authorization-style header values and key-bearing query parameters.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|basic)\s+[A-Za-z0-9._~+/=-]+`),
	regexp.MustCompile(`(?i)((?:api[-_]?key|token|secret)=)[^&\s"']+`),
	regexp.MustCompile(`(?i)(sk-[A-Za-z0-9]{8})[A-Za-z0-9-]+`),
}

// Redact strips credential material from a string destined for logs.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}

// Truncate shortens s to at most n bytes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
