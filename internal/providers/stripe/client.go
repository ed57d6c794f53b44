// Package stripe wraps the outbound Stripe calls and webhook verification.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/smallbiznis/billingsync/internal/observability/metrics"
	"github.com/smallbiznis/billingsync/internal/observability/tracing"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const prorationCreate = "create_prorations"

// Provider is the subset of the Stripe API the billing flows use.
type Provider interface {
	CustomerExists(ctx context.Context, customerID string) (bool, error)
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	ChangePrice(ctx context.Context, subscriptionID, priceID string, metadata map[string]string) (Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
}

type CustomerRequest struct {
	TenantID       string
	Email          string
	Name           string
	IdempotencyKey string
}

type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	// Metadata is copied onto the session and the subscription it creates.
	Metadata map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Subscription is a platform subscription and the time the platform reported it.
type Subscription struct {
	View       webhookdomain.SubscriptionView
	ObservedAt time.Time
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Client struct {
	api     *client.API
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewClient(p Params) *Client {
	log := p.Log.Named("providers.stripe")
	c := &Client{
		log:     log,
		clock:   p.Clock,
		metrics: p.Metrics,
	}

	cfg := p.Config.Stripe
	if strings.TrimSpace(cfg.SecretKey) == "" {
		log.Warn("STRIPE_SECRET_KEY not set, outbound platform calls disabled")
		return c
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	backendConfig := &stripelib.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     log.Sugar(),
		MaxNetworkRetries: stripelib.Int64(cfg.MaxRetries),
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripelib.String(cfg.APIURL)
	}

	backends := &stripelib.Backends{
		API:     stripelib.GetBackendWithConfig(stripelib.APIBackend, backendConfig),
		Connect: stripelib.GetBackendWithConfig(stripelib.ConnectBackend, backendConfig),
		Uploads: stripelib.GetBackendWithConfig(stripelib.UploadsBackend, backendConfig),
	}
	c.api = client.New(cfg.SecretKey, backends)
	return c
}

// CustomerExists reports false for deleted or unknown customers.
func (c *Client) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return false, nil
	}

	var cust *stripelib.Customer
	err := c.call(ctx, "customer.get", func(ctx context.Context) error {
		params := &stripelib.CustomerParams{}
		params.Context = ctx
		var err error
		cust, err = c.api.Customers.Get(customerID, params)
		return err
	}, attribute.String("stripe.customer_id", customerID))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return cust != nil && !cust.Deleted, nil
}

func (c *Client) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	var cust *stripelib.Customer
	err := c.call(ctx, "customer.create", func(ctx context.Context) error {
		params := &stripelib.CustomerParams{
			Metadata: map[string]string{"tenant_id": req.TenantID},
		}
		if email := strings.TrimSpace(req.Email); email != "" {
			params.Email = stripelib.String(email)
		}
		if name := strings.TrimSpace(req.Name); name != "" {
			params.Name = stripelib.String(name)
		}
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		params.Context = ctx
		var err error
		cust, err = c.api.Customers.New(params)
		return err
	}, attribute.String("tenant_id", req.TenantID))
	if err != nil {
		return "", err
	}

	c.log.Info("stripe customer created",
		zap.String("tenant_id", req.TenantID),
		zap.String("customer_id", cust.ID),
	)
	return cust.ID, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	var sess *stripelib.CheckoutSession
	err := c.call(ctx, "checkout_session.create", func(ctx context.Context) error {
		params := &stripelib.CheckoutSessionParams{
			Customer: stripelib.String(req.CustomerID),
			Mode:     stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
			LineItems: []*stripelib.CheckoutSessionLineItemParams{
				{
					Price:    stripelib.String(req.PriceID),
					Quantity: stripelib.Int64(1),
				},
			},
			SuccessURL: stripelib.String(req.SuccessURL),
			CancelURL:  stripelib.String(req.CancelURL),
			Metadata:   copyMetadata(req.Metadata),
			SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
				Metadata: copyMetadata(req.Metadata),
			},
		}
		if tenantID := req.Metadata["tenant_id"]; tenantID != "" {
			params.ClientReferenceID = stripelib.String(tenantID)
		}
		params.Context = ctx
		var err error
		sess, err = c.api.CheckoutSessions.New(params)
		return err
	}, attribute.String("stripe.price_id", req.PriceID))
	if err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	sub, err := c.getRaw(ctx, subscriptionID)
	if err != nil {
		return Subscription{}, err
	}
	return c.toSubscription(sub), nil
}

// ChangePrice swaps the price on the subscription's first item with prorations.
func (c *Client) ChangePrice(ctx context.Context, subscriptionID, priceID string, metadata map[string]string) (Subscription, error) {
	current, err := c.getRaw(ctx, subscriptionID)
	if err != nil {
		return Subscription{}, err
	}
	if current.Items == nil || len(current.Items.Data) == 0 || current.Items.Data[0] == nil {
		return Subscription{}, classify("subscription.update", errNoItems)
	}
	itemID := current.Items.Data[0].ID

	var sub *stripelib.Subscription
	err = c.call(ctx, "subscription.update", func(ctx context.Context) error {
		params := &stripelib.SubscriptionParams{
			Items: []*stripelib.SubscriptionItemsParams{
				{
					ID:    stripelib.String(itemID),
					Price: stripelib.String(priceID),
				},
			},
			ProrationBehavior: stripelib.String(prorationCreate),
			Metadata:          copyMetadata(metadata),
		}
		params.Context = ctx
		var err error
		sub, err = c.api.Subscriptions.Update(subscriptionID, params)
		return err
	}, attribute.String("stripe.subscription_id", subscriptionID), attribute.String("stripe.price_id", priceID))
	if err != nil {
		return Subscription{}, err
	}
	return c.toSubscription(sub), nil
}

func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (Subscription, error) {
	var sub *stripelib.Subscription
	err := c.call(ctx, "subscription.update", func(ctx context.Context) error {
		params := &stripelib.SubscriptionParams{
			CancelAtPeriodEnd: stripelib.Bool(cancel),
		}
		params.Context = ctx
		var err error
		sub, err = c.api.Subscriptions.Update(subscriptionID, params)
		return err
	}, attribute.String("stripe.subscription_id", subscriptionID))
	if err != nil {
		return Subscription{}, err
	}
	return c.toSubscription(sub), nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	var sub *stripelib.Subscription
	err := c.call(ctx, "subscription.cancel", func(ctx context.Context) error {
		params := &stripelib.SubscriptionCancelParams{}
		params.Context = ctx
		var err error
		sub, err = c.api.Subscriptions.Cancel(subscriptionID, params)
		return err
	}, attribute.String("stripe.subscription_id", subscriptionID))
	if err != nil {
		return Subscription{}, err
	}
	return c.toSubscription(sub), nil
}

func (c *Client) getRaw(ctx context.Context, subscriptionID string) (*stripelib.Subscription, error) {
	var sub *stripelib.Subscription
	err := c.call(ctx, "subscription.get", func(ctx context.Context) error {
		params := &stripelib.SubscriptionParams{}
		params.Context = ctx
		var err error
		sub, err = c.api.Subscriptions.Get(subscriptionID, params)
		return err
	}, attribute.String("stripe.subscription_id", subscriptionID))
	return sub, err
}

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	if c == nil || c.api == nil {
		return ErrNotConfigured
	}

	ctx, span := tracing.StartClientSpan(ctx, op, attrs...)
	started := time.Now()
	err := classify(op, fn(ctx))
	tracing.EndSpan(span, err)
	c.metrics.RecordUpstreamCall(ctx, op, err)

	if err != nil && !isNotFound(err) {
		c.log.Warn("stripe call failed",
			zap.String("operation", op),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
	}
	return err
}

// toSubscription stamps the snapshot with the platform's response time so it
// orders against webhook deliveries.
func (c *Client) toSubscription(sub *stripelib.Subscription) Subscription {
	observedAt := c.clock.Now()
	if sub.LastResponse != nil {
		if parsed, err := http.ParseTime(sub.LastResponse.Header.Get("Date")); err == nil {
			observedAt = parsed.UTC()
		}
	}
	return Subscription{View: ViewFromSubscription(sub), ObservedAt: observedAt}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
