package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

// CorrelationIDKey is the context key for correlation IDs
const CorrelationIDKey contextKey = "correlationID"

// SlogLogger provides structured logging using slog
type SlogLogger struct {
	logger    *slog.Logger
	component string
}

// NewSlogLogger creates a new logger using slog backend
func NewSlogLogger(component string) *SlogLogger {
	handler := createHandler()
	logger := slog.New(handler)

	return &SlogLogger{
		logger:    logger,
		component: component,
	}
}

// createHandler creates an appropriate slog handler based on environment variables
func createHandler() slog.Handler {
	var output io.Writer = os.Stdout
	level := getLogLevelSlog()

	format := strings.ToUpper(os.Getenv("ROLLGUARD_LOG_FORMAT"))
	switch format {
	case "JSON":
		return slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level:       level,
			AddSource:   false,
			ReplaceAttr: replaceAttr,
		})
	default:
		return slog.NewTextHandler(output, &slog.HandlerOptions{
			Level:       level,
			AddSource:   false,
			ReplaceAttr: replaceAttr,
		})
	}
}

// getLogLevelSlog determines the slog level from environment
func getLogLevelSlog() slog.Level {
	levelStr := strings.ToUpper(os.Getenv("ROLLGUARD_LOG_LEVEL"))
	switch levelStr {
	case "TRACE", "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// replaceAttr customizes attribute names and values
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	// Convert standard slog level names to match existing format
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		switch level {
		case slog.LevelDebug:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("DEBUG")}
		case slog.LevelInfo:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("INFO")}
		case slog.LevelWarn:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("WARN")}
		case slog.LevelError:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("ERROR")}
		}
	}
	return a
}

// Debug logs a debug-level message
func (l *SlogLogger) Debug(msg string, args ...interface{}) {
	l.logger.Debug(msg, append([]interface{}{"component", l.component}, args...)...)
}

// Info logs an info-level message
func (l *SlogLogger) Info(msg string, args ...interface{}) {
	l.logger.Info(msg, append([]interface{}{"component", l.component}, args...)...)
}

// Warn logs a warning-level message
func (l *SlogLogger) Warn(msg string, args ...interface{}) {
	l.logger.Warn(msg, append([]interface{}{"component", l.component}, args...)...)
}

// Error logs an error-level message
func (l *SlogLogger) Error(msg string, args ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"component", l.component}, args...)...)
}

// WithContext returns a logger with context information
func (l *SlogLogger) WithContext(ctx context.Context) *SlogLogger {
	// Extract correlation ID if available
	if corrID, ok := ctx.Value(CorrelationIDKey).(string); ok {
		contextLogger := l.logger.With("correlation_id", corrID)
		return &SlogLogger{
			logger:    contextLogger,
			component: l.component,
		}
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *SlogLogger) WithFields(fields map[string]interface{}) *SlogLogger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	contextLogger := l.logger.With(args...)
	return &SlogLogger{
		logger:    contextLogger,
		component: l.component,
	}
}

// Failure logs a failed operation
func (l *SlogLogger) Failure(ctx context.Context, operation string, err error) {
	l.logger.ErrorContext(ctx, "Operation failed",
		"component", l.component,
		"operation", operation,
		"status", "failed",
		"error", err)
}
