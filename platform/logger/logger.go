// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// WorkerIDKey is the context key for the authenticated worker SID
	WorkerIDKey contextKey = "worker_sid"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") || strings.EqualFold(env, "test") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger with context values extracted.
// Supports request_id and worker_sid from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		newLogger = newLogger.WithRequestID(requestID)
	}

	if workerID, ok := ctx.Value(WorkerIDKey).(string); ok && workerID != "" {
		newLogger = newLogger.WithWorkerID(workerID)
	}

	return newLogger
}

// WithRequestID returns a logger with request ID
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("request_id", requestID)),
	}
}

// WithWorkerID returns a logger with the worker SID
func (l *Logger) WithWorkerID(workerID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("worker_sid", workerID)),
	}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// HTTPError logs an HTTP error
func (l *Logger) HTTPError(method, path string, status int, err error, clientIP string) {
	l.Error("http_error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("client_ip", clientIP),
	)
}

// ConferenceEvent logs an inbound conference lifecycle event
func (l *Logger) ConferenceEvent(kind, conferenceSid, callSid string) {
	l.Debug("conference_event",
		slog.String("event", kind),
		slog.String("conference_sid", conferenceSid),
		slog.String("call_sid", callSid),
	)
}

// TaskEvent logs an inbound task routing event
func (l *Logger) TaskEvent(kind, taskSid, channel, workflowSid string) {
	l.Debug("task_event",
		slog.String("event", kind),
		slog.String("task_sid", taskSid),
		slog.String("channel", channel),
		slog.String("workflow_sid", workflowSid),
	)
}

// StoreConflict logs an optimistic concurrency conflict on a state key
func (l *Logger) StoreConflict(key string, attempt int) {
	l.Debug("store_conflict",
		slog.String("key", key),
		slog.Int("attempt", attempt),
	)
}

// RateLimitExceeded logs rate limit events
func (l *Logger) RateLimitExceeded(clientIP, path string) {
	l.Warn("rate_limit_exceeded",
		slog.String("client_ip", clientIP),
		slog.String("path", path),
	)
}
