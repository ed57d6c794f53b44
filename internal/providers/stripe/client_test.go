package stripe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedRequest struct {
	Method         string
	Path           string
	Form           url.Values
	IdempotencyKey string
}

type fakeStripe struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter)
}

func newFakeStripe(t *testing.T) (*fakeStripe, *httptest.Server) {
	t.Helper()
	f := &fakeStripe{t: t, routes: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeStripe) handle(method, path string, status int, body string) {
	f.routes[method+" "+path] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Date", "Wed, 01 May 2024 10:00:00 GMT")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func (f *fakeStripe) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(raw))

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Form:           form,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	route, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"unrouted"}}`)
		return
	}
	route(w)
}

func (f *fakeStripe) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, apiURL string) *Client {
	t.Helper()
	return NewClient(Params{
		Config: config.Config{Stripe: config.StripeConfig{
			SecretKey:  "sk_test_123",
			APIURL:     apiURL,
			Timeout:    5 * time.Second,
			MaxRetries: 0,
		}},
		Log:   zaptest.NewLogger(t),
		Clock: clock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
	})
}

const subscriptionJSON = `{
  "id": "sub_1",
  "object": "subscription",
  "customer": "cus_1",
  "status": "active",
  "cancel_at_period_end": false,
  "metadata": {"tenant_id": "42", "plan": "tier2"},
  "items": {
    "object": "list",
    "data": [{
      "id": "si_1",
      "object": "subscription_item",
      "price": {"id": "price_pro", "object": "price"},
      "current_period_start": 1714521600,
      "current_period_end": 1717200000
    }]
  }
}`

func TestCreateCustomerSendsIdempotencyKey(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.handle(http.MethodPost, "/v1/customers", http.StatusOK, `{"id":"cus_new","object":"customer"}`)
	c := newTestClient(t, srv.URL)

	id, err := c.CreateCustomer(context.Background(), CustomerRequest{
		TenantID:       "42",
		Email:          "billing@acme.test",
		Name:           "Acme",
		IdempotencyKey: "customer-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)

	req := fake.last()
	assert.Equal(t, "customer-42", req.IdempotencyKey)
	assert.Equal(t, "42", req.Form.Get("metadata[tenant_id]"))
	assert.Equal(t, "billing@acme.test", req.Form.Get("email"))
}

func TestCustomerExists(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.handle(http.MethodGet, "/v1/customers/cus_live", http.StatusOK, `{"id":"cus_live","object":"customer"}`)
	fake.handle(http.MethodGet, "/v1/customers/cus_gone", http.StatusOK, `{"id":"cus_gone","object":"customer","deleted":true}`)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	ok, err := c.CustomerExists(ctx, "cus_live")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CustomerExists(ctx, "cus_gone")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CustomerExists(ctx, "cus_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetSubscriptionBuildsView(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.handle(http.MethodGet, "/v1/subscriptions/sub_1", http.StatusOK, subscriptionJSON)
	c := newTestClient(t, srv.URL)

	sub, err := c.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.View.ID)
	assert.Equal(t, "cus_1", sub.View.CustomerID)
	assert.Equal(t, "price_pro", sub.View.PriceID)
	assert.Equal(t, "active", sub.View.Status)
	require.NotNil(t, sub.View.CurrentPeriodStart)
	assert.Equal(t, time.Unix(1714521600, 0).UTC(), *sub.View.CurrentPeriodStart)
	assert.Equal(t, "42", sub.View.Metadata["tenant_id"])
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), sub.ObservedAt)
}

func TestChangePriceReplacesFirstItem(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.handle(http.MethodGet, "/v1/subscriptions/sub_1", http.StatusOK, subscriptionJSON)
	fake.handle(http.MethodPost, "/v1/subscriptions/sub_1", http.StatusOK, subscriptionJSON)
	c := newTestClient(t, srv.URL)

	_, err := c.ChangePrice(context.Background(), "sub_1", "price_enterprise", map[string]string{"plan": "tier3"})
	require.NoError(t, err)

	req := fake.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "si_1", req.Form.Get("items[0][id]"))
	assert.Equal(t, "price_enterprise", req.Form.Get("items[0][price]"))
	assert.Equal(t, "create_prorations", req.Form.Get("proration_behavior"))
	assert.Equal(t, "tier3", req.Form.Get("metadata[plan]"))
}

func TestCreateCheckoutSessionCarriesMetadata(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.handle(http.MethodPost, "/v1/checkout/sessions", http.StatusOK,
		`{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_1"}`)
	c := newTestClient(t, srv.URL)

	sess, err := c.CreateCheckoutSession(context.Background(), CheckoutRequest{
		CustomerID: "cus_1",
		PriceID:    "price_pro",
		SuccessURL: "https://app.test/ok",
		CancelURL:  "https://app.test/cancel",
		Metadata:   map[string]string{"tenant_id": "42", "plan": "tier2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", sess.URL)

	req := fake.last()
	assert.Equal(t, "subscription", req.Form.Get("mode"))
	assert.Equal(t, "price_pro", req.Form.Get("line_items[0][price]"))
	assert.Equal(t, "42", req.Form.Get("metadata[tenant_id]"))
	assert.Equal(t, "tier2", req.Form.Get("subscription_data[metadata][plan]"))
	assert.Equal(t, "42", req.Form.Get("client_reference_id"))
}

func TestUpstreamErrorsAreClassified(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.handle(http.MethodPost, "/v1/subscriptions/sub_1/cancel", http.StatusInternalServerError,
		`{"error":{"type":"api_error","message":"boom"}}`)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.CancelSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrUpstream)

	_, err = c.GetSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient(Params{
		Config: config.Config{},
		Log:    zaptest.NewLogger(t),
		Clock:  clock.SystemClock{},
	})
	_, err := c.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
