// Package log provides structured logging for the notification publisher and
// its tooling. It wraps the standard library's slog package with helpers for
// the fields every component logs: topic, address and sequence.
package log

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bardlex/zmqnotify/pkg/errors"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey string

// RequestIDKey is the context key carrying an HTTP request id
const RequestIDKey ctxKey = "request_id"

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return l.WithFields("request_id", reqID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithTopic returns a logger scoped to one notification binding
func (l *Logger) WithTopic(topic, address string) *Logger {
	return l.WithFields("topic", topic, "address", address)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	var se *errors.ServiceError
	if stderrors.As(err, &se) {
		return l.WithFields("error", err.Error(), "error_type", string(se.Type), "operation", se.Operation)
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogPublish logs a frame handed to the transport (debug level)
func (l *Logger) LogPublish(topic string, sequence uint32, parts int) {
	l.Debug("published notification",
		"topic", topic,
		"sequence", sequence,
		"parts", parts,
	)
}

// LogDrop logs a frame evicted from a saturated queue
func (l *Logger) LogDrop(topic string, sequence uint32, totalDropped uint64) {
	l.Warn("notification dropped at high-water-mark",
		"topic", topic,
		"sequence", sequence,
		"dropped_total", totalDropped,
	)
}

// LogGap logs a sequence discontinuity observed by a subscriber
func (l *Logger) LogGap(topic string, expected, got uint32) {
	l.Warn("sequence gap detected",
		"topic", topic,
		"expected_sequence", expected,
		"received_sequence", got,
		"missed", got-expected,
	)
}

// LogBinding logs a topic bound at startup
func (l *Logger) LogBinding(topic, address string, hwm int) {
	l.Info("notification topic bound",
		"topic", topic,
		"address", address,
		"high_water_mark", hwm,
	)
}
