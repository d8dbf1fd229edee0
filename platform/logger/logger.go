// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// UserIDKey is the context key for user ID
	UserIDKey contextKey = "user_id"
	// TaskIDKey is the context key for the asynq task ID
	TaskIDKey contextKey = "task_id"
	// ClinicIDKey is the context key for the clinic a request is bound to
	ClinicIDKey contextKey = "clinic_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	return NewWithWriter(env, os.Stdout)
}

// NewWithWriter creates a logger writing to w. Tests pass io.Discard.
func NewWithWriter(env string, w io.Writer) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") || strings.EqualFold(env, "test") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewWithWriter("test", io.Discard)
}

// WithContext returns a logger with context values extracted.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("request_id", requestID))}
	}

	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("user_id", userID))}
	}

	if taskID, ok := ctx.Value(TaskIDKey).(string); ok && taskID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("task_id", taskID))}
	}

	if clinicID, ok := ctx.Value(ClinicIDKey).(string); ok && clinicID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("clinic_id", clinicID))}
	}

	return newLogger
}

// WithComponent returns a logger tagged with a subsystem name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("component", name)),
	}
}

// WithGenerator returns a logger scoped to one generator run.
func (l *Logger) WithGenerator(name string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("generator", name)),
	}
}

// GeneratorRun logs the outcome of one generator pass over a clinic.
func (l *Logger) GeneratorRun(clinicID string, scanned, created, skipped, failed int) {
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "generator_run",
		slog.String("clinic_id", clinicID),
		slog.Int("scanned", scanned),
		slog.Int("created", created),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
	)
}

// TriggerFailed logs a single trigger that could not be materialized.
func (l *Logger) TriggerFailed(key string, err error) {
	l.Warn("trigger_failed",
		slog.String("idempotency_key", key),
		slog.String("error", err.Error()),
	)
}

// HTTPRequest logs an HTTP request. route is the matched template, so
// patient ids in the URL never reach the log.
func (l *Logger) HTTPRequest(method, route string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("route", route),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// RateLimitExceeded logs a throttled request. key is "user:<id>" or "ip:<addr>".
func (l *Logger) RateLimitExceeded(key, route string) {
	l.Warn("rate_limit_exceeded",
		slog.String("limiter_key", key),
		slog.String("route", route),
	)
}
