package stripe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/billingsync/internal/config"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Verifier authenticates webhook deliveries against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(cfg config.Config) *Verifier {
	tolerance := cfg.Stripe.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{
		secret:    strings.TrimSpace(cfg.Stripe.WebhookSecret),
		tolerance: tolerance,
	}
}

// Verify checks the signature header and decodes the event. Signature and
// timestamp failures return webhookdomain.ErrInvalidSignature. A signed body
// that does not decode returns the envelope id and type with the error.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (webhookdomain.Event, error) {
	if v == nil || v.secret == "" {
		return webhookdomain.Event{}, ErrNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return webhookdomain.Event{}, fmt.Errorf("%w: missing signature header", webhookdomain.ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return webhookdomain.Event{}, fmt.Errorf("%w: %v", webhookdomain.ErrInvalidSignature, err)
		}
		return webhookdomain.Event{}, fmt.Errorf("%w: %v", webhookdomain.ErrInvalidPayload, err)
	}

	var raw []byte
	if event.Data != nil {
		raw = event.Data.Raw
	}
	decoded, err := webhookdomain.Decode(event.ID, string(event.Type), event.Created, event.Livemode, raw)
	if err != nil {
		// Keep the envelope identity so the rejection can be traced.
		return webhookdomain.Event{ID: event.ID, Type: webhookdomain.EventType(event.Type)}, err
	}
	return decoded, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
