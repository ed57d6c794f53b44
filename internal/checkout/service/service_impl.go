package service

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/checkout/domain"
	"github.com/smallbiznis/billingsync/internal/config"
	customerdomain "github.com/smallbiznis/billingsync/internal/customer/domain"
	stripeprovider "github.com/smallbiznis/billingsync/internal/providers/stripe"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Plans         *config.PlanCatalogHolder
	Customers     customerdomain.Resolver
	Subscriptions subscriptiondomain.Service
	Provider      stripeprovider.Provider
}

type Service struct {
	log           *zap.Logger
	plans         *config.PlanCatalogHolder
	customers     customerdomain.Resolver
	subscriptions subscriptiondomain.Service
	provider      stripeprovider.Provider
}

func New(p Params) domain.Service {
	return &Service{
		log:           p.Log.Named("checkout.service"),
		plans:         p.Plans,
		customers:     p.Customers,
		subscriptions: p.Subscriptions,
		provider:      p.Provider,
	}
}

func (s *Service) StartUpgrade(ctx context.Context, tenantID snowflake.ID, plan subscriptiondomain.Plan, urls domain.ReturnURLs) (domain.Session, error) {
	if tenantID == 0 {
		return domain.Session{}, domain.ErrInvalidTenant
	}
	if !plan.Valid() {
		return domain.Session{}, domain.ErrInvalidPlan
	}
	if !plan.Paid() {
		return domain.Session{}, domain.ErrFreePlanCheckout
	}
	if !validReturnURL(urls.SuccessURL) || !validReturnURL(urls.CancelURL) {
		return domain.Session{}, domain.ErrInvalidReturnURL
	}

	priceID, err := s.priceFor(plan)
	if err != nil {
		return domain.Session{}, err
	}

	existing, err := s.subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return domain.Session{}, err
	}
	if existing != nil && existing.HasExternalSubscription() && !existing.Status.Terminal() {
		return domain.Session{}, domain.ErrSubscriptionExists
	}

	customerID, err := s.customers.Resolve(ctx, tenantID)
	if err != nil {
		return domain.Session{}, err
	}

	sess, err := s.provider.CreateCheckoutSession(ctx, stripeprovider.CheckoutRequest{
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: urls.SuccessURL,
		CancelURL:  urls.CancelURL,
		Metadata: map[string]string{
			"tenant_id": tenantID.String(),
			"plan":      string(plan),
		},
	})
	if err != nil {
		return domain.Session{}, err
	}

	s.log.Info("checkout session created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan", string(plan)),
		zap.String("session_id", sess.ID),
	)
	return domain.Session{ID: sess.ID, URL: sess.URL}, nil
}

func (s *Service) ChangePlan(ctx context.Context, tenantID snowflake.ID, plan subscriptiondomain.Plan, cancelAtPeriodEnd bool) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, domain.ErrInvalidTenant
	}
	if !plan.Valid() {
		return subscriptiondomain.Subscription{}, domain.ErrInvalidPlan
	}
	if plan == subscriptiondomain.PlanFree {
		return s.downgrade(ctx, tenantID)
	}

	priceID, err := s.priceFor(plan)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	record, err := s.subscriptions.GetOrCreate(ctx, tenantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if !record.HasExternalSubscription() {
		return subscriptiondomain.Subscription{}, domain.ErrNoActiveSubscription
	}
	externalID := *record.ExternalSubscriptionID

	updated, err := s.provider.ChangePrice(ctx, externalID, priceID, map[string]string{
		"tenant_id": tenantID.String(),
		"plan":      string(plan),
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if cancelAtPeriodEnd {
		updated, err = s.provider.SetCancelAtPeriodEnd(ctx, externalID, true)
		if err != nil {
			return subscriptiondomain.Subscription{}, err
		}
	}

	result, err := s.mirror(ctx, tenantID, externalID, updated.View.Snapshot(plan, updated.ObservedAt))
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("plan changed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("from", string(record.Plan)),
		zap.String("to", string(plan)),
		zap.Bool("cancel_at_period_end", cancelAtPeriodEnd),
		zap.Bool("applied", result.Applied),
	)
	return result.Subscription, nil
}

func (s *Service) Cancel(ctx context.Context, tenantID snowflake.ID, atPeriodEnd bool) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, domain.ErrInvalidTenant
	}

	record, err := s.subscriptions.GetOrCreate(ctx, tenantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if !record.HasExternalSubscription() {
		return subscriptiondomain.Subscription{}, domain.ErrNoActiveSubscription
	}
	externalID := *record.ExternalSubscriptionID

	var updated stripeprovider.Subscription
	if atPeriodEnd {
		updated, err = s.provider.SetCancelAtPeriodEnd(ctx, externalID, true)
	} else {
		updated, err = s.provider.CancelSubscription(ctx, externalID)
	}
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	plan := subscriptiondomain.ResolvePlan(s.plans.Get(), updated.View.Metadata["plan"], updated.View.PriceID)
	result, err := s.mirror(ctx, tenantID, externalID, updated.View.Snapshot(plan, updated.ObservedAt))
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription cancel requested",
		zap.String("tenant_id", tenantID.String()),
		zap.String("external_subscription_id", externalID),
		zap.Bool("at_period_end", atPeriodEnd),
		zap.Bool("released", result.Released),
	)
	return result.Subscription, nil
}

// mirror applies a platform response to the record still linked to externalID.
// When another subscription was linked in the meantime the local write is
// skipped and the current record returned.
func (s *Service) mirror(ctx context.Context, tenantID snowflake.ID, externalID string, snapshot subscriptiondomain.Snapshot) (subscriptiondomain.ApplyResult, error) {
	snapshot.ExternalSubscriptionID = externalID
	result, err := s.subscriptions.ApplySnapshotByExternalID(ctx, snapshot)
	if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return result, err
	}

	s.log.Info("subscription relinked during platform call, local write skipped",
		zap.String("tenant_id", tenantID.String()),
		zap.String("external_subscription_id", externalID),
	)
	current, err := s.subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	if current == nil {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscriptiondomain.ApplyResult{Subscription: *current}, nil
}

// downgrade cancels the platform subscription, if any, before touching local state.
func (s *Service) downgrade(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	record, err := s.subscriptions.GetOrCreate(ctx, tenantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if record.HasExternalSubscription() {
		_, err := s.provider.CancelSubscription(ctx, *record.ExternalSubscriptionID)
		if err != nil && !errors.Is(err, stripeprovider.ErrNotFound) {
			return subscriptiondomain.Subscription{}, err
		}
	}
	return s.subscriptions.Downgrade(ctx, tenantID)
}

func (s *Service) priceFor(plan subscriptiondomain.Plan) (string, error) {
	priceID, ok := s.plans.Get().PriceFor(string(plan))
	if !ok {
		s.log.Error("no price configured for plan", zap.String("plan", string(plan)))
		return "", domain.ErrPriceNotConfigured
	}
	return priceID, nil
}

func validReturnURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
