// Package log provides the structured logging interface used across gpboost.
//
// The Logger interface keeps the shape of log/slog (message plus key/value
// pairs) so that backends can be swapped. The default backend is zerolog
// (see zerolog.go); tests use TestLogger which captures JSON lines in memory.
//
// Example usage:
//
//	logger := log.GetLoggerWithName("remodel").With(
//	    log.LikelihoodKey, "bernoulli_logit",
//	    log.CovFunctionKey, "exponential",
//	)
//	logger.Info("Estimation started",
//	    log.OperationKey, log.OperationOptimize,
//	    log.SamplesKey, 1000,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// With returns a child logger that carries the given fields on every
// subsequent record. If the first field passed to Error is an error value,
// backends attach it under the "error" key together with its stack trace.
type Logger interface {
	// Debug logs per-iteration diagnostics such as the trace of an optimizer run.
	Debug(msg string, fields ...any)

	// Info logs operational milestones (estimation started, converged).
	Info(msg string, fields ...any)

	// Warn logs conditions that do not abort the call, e.g. reaching max_iter.
	Warn(msg string, fields ...any)

	// Error logs failures, usually right before the error is returned.
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits records at the given level.
	// Use it to skip building expensive diagnostics.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error").
// Unknown names fall back to LevelInfo and ok is false.
func ParseLevel(name string) (level Level, ok bool) {
	switch name {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// LoggerProvider defines an interface for creating and configuring loggers.
type LoggerProvider interface {
	// GetLogger returns the default logger instance.
	GetLogger() Logger

	// GetLoggerWithName returns a logger with a specific component identifier.
	GetLoggerWithName(name string) Logger

	// SetLevel sets the minimum log level for all loggers created by this provider.
	SetLevel(level Level)
}
