package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	tenantIDKey  ctxKey = "tenant_id"
	eventIDKey   ctxKey = "event_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithTenantID tags log lines emitted under ctx with the tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return withString(ctx, tenantIDKey, tenantID)
}

func TenantIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, tenantIDKey)
}

// WithEventID tags log lines emitted while a webhook event is being handled.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return withString(ctx, eventIDKey, eventID)
}

func EventIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, eventIDKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
