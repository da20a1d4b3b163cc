// Package context carries run-scoped identifiers through a forja run
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Unexported struct pointers prevent key collisions.
var (
	runIDKey     = &struct{}{}
	waveKey      = &struct{}{}
	operationKey = &struct{}{}
	startTimeKey = &struct{}{}
)

// WithRunID adds a run ID to the context, generating one when empty
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// WithWave records the wave currently executing
func WithWave(parent context.Context, wave int) context.Context {
	return context.WithValue(parent, waveKey, wave)
}

// GetWave retrieves the wave index, or -1 when none is set
func GetWave(ctx context.Context) int {
	if w, ok := ctx.Value(waveKey).(int); ok {
		return w
	}
	return -1
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return ""
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetDuration returns the time elapsed since the start time, or zero when unset
func GetDuration(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// TracingFields returns the populated run fields for structured logging
func TracingFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if id := GetRunID(ctx); id != "" {
		fields["run_id"] = id
	}
	if w := GetWave(ctx); w >= 0 {
		fields["wave"] = w
	}
	if op := GetOperation(ctx); op != "" {
		fields["operation"] = op
	}
	if d := GetDuration(ctx); d > 0 {
		fields["duration_ms"] = d.Milliseconds()
	}
	return fields
}
