package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	obstracing "github.com/smallbiznis/billingsync/internal/observability/tracing"
)

const headerStripeSignature = "Stripe-Signature"

// HandleStripeWebhook acknowledges an event only after it has been handled.
// Errors other than signature failures return 5xx so the platform retries.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.dispatcher.Ingest(c.Request.Context(), payload, c.GetHeader(headerStripeSignature))
	if result.EventType != "" {
		c.Set(obstracing.KeyWebhookEventType, string(result.EventType))
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(obstracing.KeyWebhookOutcome, string(result.Outcome))
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": result.Outcome})
}
