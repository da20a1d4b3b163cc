package logger

import (
	"context"
	"sort"

	fcontext "github.com/forja/forja/pkg/context"
)

// LoggerContext extends Logger with methods that pull run fields from a context
type LoggerContext interface {
	Logger
	InfoContext(ctx context.Context, message string, fields ...Field)
	ErrorContext(ctx context.Context, message string, fields ...Field)
	WarnContext(ctx context.Context, message string, fields ...Field)
	DebugContext(ctx context.Context, message string, fields ...Field)
}

var _ LoggerContext = (*TeammateLogger)(nil)

// InfoContext logs an info message with run fields
func (l *TeammateLogger) InfoContext(ctx context.Context, message string, fields ...Field) {
	l.Info(message, append(contextFields(ctx), fields...)...)
}

// ErrorContext logs an error message with run fields
func (l *TeammateLogger) ErrorContext(ctx context.Context, message string, fields ...Field) {
	l.Error(message, append(contextFields(ctx), fields...)...)
}

// WarnContext logs a warning message with run fields
func (l *TeammateLogger) WarnContext(ctx context.Context, message string, fields ...Field) {
	l.Warn(message, append(contextFields(ctx), fields...)...)
}

// DebugContext logs a debug message with run fields
func (l *TeammateLogger) DebugContext(ctx context.Context, message string, fields ...Field) {
	l.Debug(message, append(contextFields(ctx), fields...)...)
}

func contextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	tracing := fcontext.TracingFields(ctx)
	keys := make([]string, 0, len(tracing))
	for k := range tracing {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, WithField(k, tracing[k]))
	}
	return fields
}

// WithContext returns a logger that adds ctx's run fields to every entry
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{ctx: ctx, logger: logger}
}

type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, append(contextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, append(contextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, append(contextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, append(contextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, append(contextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) WithTeammate(teammate string) Logger {
	return &contextualLogger{ctx: cl.ctx, logger: cl.logger.WithTeammate(teammate)}
}
