package types

import (
	"context"
	"log/slog"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the engine.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// slogLogger adapts *slog.Logger to the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// NewLogger wraps a *slog.Logger in the Logger interface.
func NewLogger(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) With(args ...any) Logger       { return &slogLogger{l: s.l.With(args...)} }

// NopLogger discards all log output. Useful as a default in tests.
type NopLogger struct{}

func (NopLogger) Info(msg string, args ...any)  {}
func (NopLogger) Error(msg string, args ...any) {}
func (NopLogger) Warn(msg string, args ...any)  {}
func (n NopLogger) With(args ...any) Logger     { return n }

// MessageDispatcher is the out-of-scope message-composition/delivery
// collaborator. When a send action fires, the engine hands it the send
// payload; composition, provider selection, and actual transmission happen
// on the other side of this interface.
type MessageDispatcher interface {
	// Dispatch requests composition and delivery of the message for the
	// given send payload. It returns the provider-side message id used to
	// correlate subsequent delivery/engagement events.
	Dispatch(ctx context.Context, payload SendJobPayload) (messageID string, err error)
}
