package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	stripeprovider "github.com/smallbiznis/billingsync/internal/providers/stripe"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
)

// FakeProvider is an in-memory stand-in for the Stripe provider. Subscriptions
// are keyed by id; calls are recorded for assertions.
type FakeProvider struct {
	mu sync.Mutex

	Customers     map[string]bool
	Subscriptions map[string]webhookdomain.SubscriptionView
	ObservedAt    time.Time
	// Err, when set, fails every call.
	Err error

	CreatedCustomers []stripeprovider.CustomerRequest
	Checkouts        []stripeprovider.CheckoutRequest
	Calls            []string

	// CreateDelay slows CreateCustomer to widen race windows in tests.
	CreateDelay time.Duration
	// OnSubscriptionCall runs before a subscription call reads platform state,
	// letting tests interleave work while the call is in flight.
	OnSubscriptionCall func(call, subscriptionID string)
}

func NewFakeProvider(observedAt time.Time) *FakeProvider {
	return &FakeProvider{
		Customers:     map[string]bool{},
		Subscriptions: map[string]webhookdomain.SubscriptionView{},
		ObservedAt:    observedAt,
	}
}

func (f *FakeProvider) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
	return f.Err
}

// CallCount returns how many times call was made.
func (f *FakeProvider) CallCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *FakeProvider) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	if err := f.record("customer.get"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Customers[customerID], nil
}

func (f *FakeProvider) CreateCustomer(ctx context.Context, req stripeprovider.CustomerRequest) (string, error) {
	if err := f.record("customer.create"); err != nil {
		return "", err
	}
	if f.CreateDelay > 0 {
		time.Sleep(f.CreateDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreatedCustomers = append(f.CreatedCustomers, req)
	id := fmt.Sprintf("cus_%d", len(f.CreatedCustomers))
	f.Customers[id] = true
	return id, nil
}

func (f *FakeProvider) CreateCheckoutSession(ctx context.Context, req stripeprovider.CheckoutRequest) (stripeprovider.CheckoutSession, error) {
	if err := f.record("checkout_session.create"); err != nil {
		return stripeprovider.CheckoutSession{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checkouts = append(f.Checkouts, req)
	id := fmt.Sprintf("cs_%d", len(f.Checkouts))
	return stripeprovider.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *FakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (stripeprovider.Subscription, error) {
	if err := f.record("subscription.get"); err != nil {
		return stripeprovider.Subscription{}, err
	}
	return f.lookup("subscription.get", subscriptionID, func(*webhookdomain.SubscriptionView) {})
}

func (f *FakeProvider) ChangePrice(ctx context.Context, subscriptionID, priceID string, metadata map[string]string) (stripeprovider.Subscription, error) {
	if err := f.record("subscription.update"); err != nil {
		return stripeprovider.Subscription{}, err
	}
	return f.lookup("subscription.update", subscriptionID, func(v *webhookdomain.SubscriptionView) {
		v.PriceID = priceID
		if len(metadata) > 0 {
			merged := map[string]string{}
			for k, val := range v.Metadata {
				merged[k] = val
			}
			for k, val := range metadata {
				merged[k] = val
			}
			v.Metadata = merged
		}
	})
}

func (f *FakeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (stripeprovider.Subscription, error) {
	if err := f.record("subscription.update"); err != nil {
		return stripeprovider.Subscription{}, err
	}
	return f.lookup("subscription.update", subscriptionID, func(v *webhookdomain.SubscriptionView) {
		v.CancelAtPeriodEnd = cancel
	})
}

func (f *FakeProvider) CancelSubscription(ctx context.Context, subscriptionID string) (stripeprovider.Subscription, error) {
	if err := f.record("subscription.cancel"); err != nil {
		return stripeprovider.Subscription{}, err
	}
	return f.lookup("subscription.cancel", subscriptionID, func(v *webhookdomain.SubscriptionView) {
		canceledAt := f.ObservedAt
		v.Status = "canceled"
		v.CancelAtPeriodEnd = false
		v.CanceledAt = &canceledAt
		v.EndedAt = &canceledAt
	})
}

func (f *FakeProvider) lookup(call, subscriptionID string, mutate func(*webhookdomain.SubscriptionView)) (stripeprovider.Subscription, error) {
	f.mu.Lock()
	hook := f.OnSubscriptionCall
	f.mu.Unlock()
	if hook != nil {
		hook(call, subscriptionID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	view, ok := f.Subscriptions[subscriptionID]
	if !ok {
		return stripeprovider.Subscription{}, fmt.Errorf("%w: %s", stripeprovider.ErrNotFound, subscriptionID)
	}
	mutate(&view)
	f.Subscriptions[subscriptionID] = view
	return stripeprovider.Subscription{View: view, ObservedAt: f.ObservedAt}, nil
}
