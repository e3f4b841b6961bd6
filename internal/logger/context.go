package logger

import (
	"context"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithRequestID stores the request ID using the same key the error
// responses read, so log lines and error bodies agree.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return apperrors.WithRequestID(ctx, requestID)
}

// WithTraceID attaches a distributed trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID stored in ctx, if any.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}
