package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is the type of request context keys set by this package.
type ContextKey string

// TraceIDKey is the key for the trace ID in the request context
const TraceIDKey ContextKey = "traceID"

// TraceIDHeader carries the trace ID in responses, and in requests when a
// caller wants to propagate its own.
const TraceIDHeader = "X-Trace-Id"

// SetTraceID adds traceID to the context, generating one when it is empty.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context.
// If no trace ID exists, it returns an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// NewTraceID returns a random 32-character hex trace ID.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
