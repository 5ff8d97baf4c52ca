package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	leaseIDKey   ctxKey = "lease_id"
	eventIDKey   ctxKey = "event_id"
)

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithLeaseID stores the provided lease ID in the context.
func ContextWithLeaseID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, leaseIDKey, id)
}

// ContextWithEventID stores the provided event ID in the context.
func ContextWithEventID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, eventIDKey, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithComponentFromContext returns a component logger carrying any
// lease, event and request ids found in the context.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	builder := logger().With().Str("component", component)
	if ctx != nil {
		if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
			builder = builder.Str("request_id", v)
		}
		if v, ok := ctx.Value(leaseIDKey).(string); ok && v != "" {
			builder = builder.Str("lease_id", v)
		}
		if v, ok := ctx.Value(eventIDKey).(string); ok && v != "" {
			builder = builder.Str("event_id", v)
		}
	}
	return builder.Logger()
}
