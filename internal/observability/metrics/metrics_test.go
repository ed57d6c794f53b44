package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("event_type", "invoice.paid"),
		attribute.String("tenant_id", "456"),
		attribute.String("outcome", "processed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "event_type" && attrs[1].Key != "event_type" {
		t.Fatalf("expected event_type to be retained")
	}
	if attrs[0].Key != "outcome" && attrs[1].Key != "outcome" {
		t.Fatalf("expected outcome to be retained")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordWebhookEvent(ctx, "stripe", "invoice.paid", "processed")
	m.RecordSignatureFailure(ctx, "stripe")
	m.RecordPayment(ctx, "succeeded", true)
	m.RecordUpstreamCall(ctx, "subscription.get", errors.New("boom"))
}

func TestNoopMetricsRecord(t *testing.T) {
	m := NewNoop()
	require.NotNil(t, m)
	m.RecordDroppedEvent(context.Background(), "invoice.payment_failed", "unknown_subscription")
	m.RecordReconciliation(context.Background(), "applied")
}

func TestHTTPMiddlewareCountsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	httpMetrics, err := NewHTTPMetricsWithRegisterer(reg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(GinMiddleware(httpMetrics))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	got := testutil.ToFloat64(httpMetrics.requests.WithLabelValues("GET", "/health", "200"))
	assert.Equal(t, float64(2), got)
}
