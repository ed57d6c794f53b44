// Package domain defines the decoded webhook event and the narrow views handlers consume.
package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
)

const ProviderStripe = "stripe"

type EventType string

const (
	EventSubscriptionCreated      EventType = "customer.subscription.created"
	EventSubscriptionUpdated      EventType = "customer.subscription.updated"
	EventSubscriptionDeleted      EventType = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  EventType = "invoice.payment_succeeded"
	EventInvoicePaid              EventType = "invoice.paid"
	EventInvoicePaymentFailed     EventType = "invoice.payment_failed"
	EventChargeRefunded           EventType = "charge.refunded"
	EventCheckoutSessionCompleted EventType = "checkout.session.completed"
)

// Kind tags which view of Event is populated.
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscription
	KindInvoice
	KindCharge
	KindCheckoutSession
)

func (k Kind) String() string {
	switch k {
	case KindSubscription:
		return "subscription"
	case KindInvoice:
		return "invoice"
	case KindCharge:
		return "charge"
	case KindCheckoutSession:
		return "checkout_session"
	default:
		return "unknown"
	}
}

// KindOf maps a platform event type to the view that decodes it.
func KindOf(t EventType) Kind {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return KindSubscription
	case EventInvoicePaymentSucceeded, EventInvoicePaid, EventInvoicePaymentFailed:
		return KindInvoice
	case EventChargeRefunded:
		return KindCharge
	case EventCheckoutSessionCompleted:
		return KindCheckoutSession
	default:
		return KindUnknown
	}
}

// Event is a verified platform event. Exactly one view matching Kind is set.
type Event struct {
	ID       string
	Type     EventType
	Created  time.Time
	Livemode bool
	Kind     Kind

	Subscription    *SubscriptionView
	Invoice         *InvoiceView
	Charge          *ChargeView
	CheckoutSession *CheckoutSessionView
}

type SubscriptionView struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time
	EndedAt            *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// Snapshot converts the view into a subscription snapshot observed at observedAt.
func (v SubscriptionView) Snapshot(plan subscriptiondomain.Plan, observedAt time.Time) subscriptiondomain.Snapshot {
	canceledAt := v.CanceledAt
	if canceledAt == nil {
		canceledAt = v.EndedAt
	}
	return subscriptiondomain.Snapshot{
		ExternalSubscriptionID: v.ID,
		ExternalCustomerID:     v.CustomerID,
		ExternalPriceID:        v.PriceID,
		Plan:                   plan,
		Status:                 subscriptiondomain.Status(strings.ToLower(strings.TrimSpace(v.Status))),
		CancelAtPeriodEnd:      v.CancelAtPeriodEnd,
		CurrentPeriodStart:     v.CurrentPeriodStart,
		CurrentPeriodEnd:       v.CurrentPeriodEnd,
		CanceledAt:             canceledAt,
		TrialStart:             v.TrialStart,
		TrialEnd:               v.TrialEnd,
		Metadata:               v.Metadata,
		ObservedAt:             observedAt,
	}
}

type InvoiceView struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	AmountPaid      int64
	AmountDue       int64
	Currency        string
	BillingReason   string
	FailureMessage  string
}

// PaymentKey is the ledger idempotency key: the payment intent id, or the
// invoice id for invoices settled without one.
func (v InvoiceView) PaymentKey() string {
	if v.PaymentIntentID != "" {
		return v.PaymentIntentID
	}
	return v.ID
}

type ChargeView struct {
	ID              string
	PaymentIntentID string
	InvoiceID       string
	Amount          int64
	AmountRefunded  int64
	Currency        string
}

type CheckoutSessionView struct {
	ID                string
	CustomerID        string
	SubscriptionID    string
	Mode              string
	ClientReferenceID string
	Metadata          map[string]string
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrMissingObject    = errors.New("missing_event_object")
)

// Decode builds the tagged Event from the envelope fields and the raw data.object.
// Unknown event types decode to KindUnknown without error.
func Decode(id string, eventType string, created int64, livemode bool, object json.RawMessage) (Event, error) {
	event := Event{
		ID:       strings.TrimSpace(id),
		Type:     EventType(strings.TrimSpace(eventType)),
		Livemode: livemode,
	}
	if event.ID == "" || event.Type == "" {
		return Event{}, ErrInvalidPayload
	}
	if created > 0 {
		event.Created = time.Unix(created, 0).UTC()
	}
	event.Kind = KindOf(event.Type)
	if event.Kind == KindUnknown {
		return event, nil
	}
	if len(object) == 0 || string(object) == "null" {
		return Event{}, ErrMissingObject
	}

	var err error
	switch event.Kind {
	case KindSubscription:
		event.Subscription, err = decodeSubscription(object)
	case KindInvoice:
		event.Invoice, err = decodeInvoice(object)
	case KindCharge:
		event.Charge, err = decodeCharge(object)
	case KindCheckoutSession:
		event.CheckoutSession, err = decodeCheckoutSession(object)
	}
	if err != nil {
		return Event{}, err
	}
	return event, nil
}
