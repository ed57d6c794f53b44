package stripe

import (
	"testing"
	"time"

	"github.com/smallbiznis/billingsync/internal/config"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_123"

func sign(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	})
	return signed.Header
}

func newVerifier() *Verifier {
	return NewVerifier(config.Config{Stripe: config.StripeConfig{
		WebhookSecret:    testSecret,
		WebhookTolerance: 5 * time.Minute,
	}})
}

var deletedPayload = []byte(`{
  "id": "evt_1",
  "object": "event",
  "type": "customer.subscription.deleted",
  "created": 1714557600,
  "livemode": false,
  "api_version": "2020-08-27",
  "data": {"object": {"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": "canceled", "canceled_at": 1714557000}}
}`)

func TestVerifyAcceptsSignedPayload(t *testing.T) {
	event, err := newVerifier().Verify(deletedPayload, sign(deletedPayload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, webhookdomain.EventSubscriptionDeleted, event.Type)
	assert.Equal(t, webhookdomain.KindSubscription, event.Kind)
	require.NotNil(t, event.Subscription)
	assert.Equal(t, "sub_1", event.Subscription.ID)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), event.Created)
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	v := newVerifier()

	cases := map[string]string{
		"missing header": "",
		"wrong secret":   sign(deletedPayload, "whsec_wrong", time.Now()),
		"too old":        sign(deletedPayload, testSecret, time.Now().Add(-time.Hour)),
		"garbage header": "t=abc,v1=zzz",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(deletedPayload, header)
			assert.ErrorIs(t, err, webhookdomain.ErrInvalidSignature)
		})
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	header := sign(deletedPayload, testSecret, time.Now())
	tampered := append([]byte{}, deletedPayload...)
	tampered[len(tampered)-3] = ' '

	_, err := newVerifier().Verify(tampered, header)
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidSignature)
}

func TestVerifyWithoutSecret(t *testing.T) {
	v := NewVerifier(config.Config{})
	_, err := v.Verify(deletedPayload, sign(deletedPayload, testSecret, time.Now()))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestVerifyKeepsEnvelopeWhenObjectDoesNotDecode(t *testing.T) {
	payload := []byte(`{"id": "evt_2", "object": "event", "type": "invoice.paid", "created": 1714557600, "data": {"object": {"amount_paid": 100}}}`)

	event, err := newVerifier().Verify(payload, sign(payload, testSecret, time.Now()))
	assert.ErrorIs(t, err, webhookdomain.ErrMissingObject)
	assert.Equal(t, "evt_2", event.ID)
	assert.Equal(t, webhookdomain.EventInvoicePaid, event.Type)
}
