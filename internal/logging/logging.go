// Package logging provides structured logging for the pdfcache subsystem.
// It wraps log/slog behind a small Logger type so that callers can inject
// their own handler configuration or disable logging entirely.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents different logging levels.
type Level int

// Supported log levels, lowest to highest severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds configuration for the cache logger.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level Level
	// EnableCallerInfo includes file and line number in logs.
	EnableCallerInfo bool
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:            LevelInfo,
		EnableCallerInfo: false,
	}
}

// Logger provides structured logging for the cache system.
// The zero value is not usable; construct with New, NewNop, or FromSlog.
type Logger struct {
	logger *slog.Logger
	nop    bool
}

// New creates a structured logger writing text output to stderr with the
// given configuration.
func New(config Config) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.EnableCallerInfo,
	})
	return &Logger{logger: slog.New(handler)}
}

// NewNop creates a no-op logger that discards all log messages.
func NewNop() *Logger {
	return &Logger{nop: true}
}

// FromSlog wraps an existing slog.Logger.
func FromSlog(logger *slog.Logger) *Logger {
	if logger == nil {
		return NewNop()
	}
	return &Logger{logger: logger}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a string log level into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// Debug logs debug-level messages.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if l == nil || l.nop {
		return
	}
	l.logger.DebugContext(ctx, msg, args...)
}

// Info logs info-level messages.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	if l == nil || l.nop {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

// Warn logs warning-level messages.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	if l == nil || l.nop {
		return
	}
	l.logger.WarnContext(ctx, msg, args...)
}

// Error logs error-level messages.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	if l == nil || l.nop {
		return
	}
	l.logger.ErrorContext(ctx, msg, args...)
}

// With returns a logger with additional context fields.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.nop {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

// WithOperation returns a logger with operation context.
func (l *Logger) WithOperation(operation string) *Logger {
	return l.With("operation", operation)
}

// WithIdentifier returns a logger with cache identifier context.
func (l *Logger) WithIdentifier(identifier string) *Logger {
	return l.With("identifier", identifier)
}

// WithSize returns a logger with size context.
func (l *Logger) WithSize(size int64) *Logger {
	return l.With("size", size)
}

// LogOperation logs a cache operation with performance metrics.
func LogOperation(
	ctx context.Context,
	logger *Logger,
	operation string,
	duration time.Duration,
	success bool,
	size int64,
	err error,
) {
	if logger == nil {
		return
	}

	fields := []any{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
		"success", success,
	}
	if size > 0 {
		fields = append(fields, "size", size)
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}

	if success {
		logger.Info(ctx, "cache operation completed", fields...)
	} else {
		logger.Warn(ctx, "cache operation failed", fields...)
	}
}

// LogHit logs a cache hit event.
func LogHit(ctx context.Context, logger *Logger, identifier string, size int64) {
	if logger == nil {
		return
	}
	logger.Debug(ctx, "cache hit",
		"identifier", identifier,
		"size", size,
		"result", "hit")
}

// LogMiss logs a cache miss event.
func LogMiss(ctx context.Context, logger *Logger, identifier, reason string) {
	if logger == nil {
		return
	}
	logger.Debug(ctx, "cache miss",
		"identifier", identifier,
		"reason", reason,
		"result", "miss")
}

// LogEviction logs an eviction event.
func LogEviction(ctx context.Context, logger *Logger, identifier string, size int64, reason string) {
	if logger == nil {
		return
	}
	logger.Info(ctx, "cache entry evicted",
		"identifier", identifier,
		"size", size,
		"reason", reason)
}

// LogCleanup logs cleanup operations.
func LogCleanup(
	ctx context.Context,
	logger *Logger,
	operation string,
	entriesRemoved int,
	bytesFreed int64,
	duration time.Duration,
) {
	if logger == nil {
		return
	}
	logger.Info(ctx, "cache cleanup completed",
		"operation", operation,
		"entries_removed", entriesRemoved,
		"bytes_freed", bytesFreed,
		"duration_ms", duration.Milliseconds())
}
