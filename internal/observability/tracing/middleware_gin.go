package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/billingsync/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Gin context keys handlers use to put webhook details on the request span.
const (
	KeyWebhookEventType = "webhook_event_type"
	KeyWebhookOutcome   = "webhook_outcome"
)

type MiddlewareConfig struct {
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// ErrorClassifier maps a handler error to its response type and code.
	ErrorClassifier func(error) (string, string)
}

// GinMiddleware starts a server span per request and tags it with the tenant
// and webhook event the request touched.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	provider := cfg.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	tracer := provider.Tracer("billingsync/http")

	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		}
		// Tenant middleware runs inside this one, so read the request's final context.
		reqCtx := c.Request.Context()
		if requestID := obscontext.RequestIDFromContext(reqCtx); requestID != "" {
			attrs = append(attrs, attribute.String("request_id", requestID))
		}
		if tenantID := obscontext.TenantIDFromContext(reqCtx); tenantID != "" {
			attrs = append(attrs, attribute.String("billing.tenant_id", tenantID))
		}
		if eventType := c.GetString(KeyWebhookEventType); eventType != "" {
			attrs = append(attrs, attribute.String("webhook.event_type", eventType))
		}
		if outcome := c.GetString(KeyWebhookOutcome); outcome != "" {
			attrs = append(attrs, attribute.String("webhook.outcome", outcome))
		}

		lastErr := c.Errors.Last()
		if lastErr != nil && cfg.ErrorClassifier != nil {
			errType, _ := cfg.ErrorClassifier(lastErr.Err)
			attrs = append(attrs, attribute.String("error.type", errType))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
