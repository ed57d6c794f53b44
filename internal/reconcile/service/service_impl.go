package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/smallbiznis/billingsync/internal/observability/metrics"
	stripeprovider "github.com/smallbiznis/billingsync/internal/providers/stripe"
	"github.com/smallbiznis/billingsync/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeSkipped    = "skipped"
	outcomeApplied    = "applied"
	outcomeStale      = "stale"
	outcomeReleased   = "released"
	outcomeSuperseded = "superseded"
	outcomeError      = "error"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Plans         *config.PlanCatalogHolder
	Subscriptions subscriptiondomain.Service
	Provider      stripeprovider.Provider
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	clock         clock.Clock
	plans         *config.PlanCatalogHolder
	subscriptions subscriptiondomain.Service
	provider      stripeprovider.Provider
	metrics       *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		log:           p.Log.Named("reconcile.service"),
		clock:         p.Clock,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		provider:      p.Provider,
		metrics:       p.Metrics,
	}
}

func (s *Service) Sync(ctx context.Context, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	record, err := s.subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if record == nil || !record.HasExternalSubscription() {
		s.metrics.RecordReconciliation(ctx, outcomeSkipped)
		return nil, nil
	}
	externalID := *record.ExternalSubscriptionID

	snapshot, err := s.fetch(ctx, externalID)
	if err != nil {
		s.metrics.RecordReconciliation(ctx, outcomeError)
		return nil, err
	}

	// Write by the fetched id: a subscription linked while we were fetching wins.
	snapshot.ExternalSubscriptionID = externalID
	result, err := s.subscriptions.ApplySnapshotByExternalID(ctx, snapshot)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		s.metrics.RecordReconciliation(ctx, outcomeSuperseded)
		s.log.Info("reconcile superseded by a newer subscription",
			zap.String("tenant_id", tenantID.String()),
			zap.String("external_subscription_id", externalID),
		)
		return s.subscriptions.FindByTenant(ctx, tenantID)
	}
	if err != nil {
		s.metrics.RecordReconciliation(ctx, outcomeError)
		return nil, err
	}

	outcome := outcomeApplied
	switch {
	case !result.Applied:
		outcome = outcomeStale
	case result.Released:
		outcome = outcomeReleased
	}
	s.metrics.RecordReconciliation(ctx, outcome)
	s.log.Info("subscription reconciled",
		zap.String("tenant_id", tenantID.String()),
		zap.String("external_subscription_id", externalID),
		zap.String("status", string(result.Subscription.Status)),
		zap.String("outcome", outcome),
	)
	return &result.Subscription, nil
}

// fetch reads the platform subscription. A subscription the platform no longer
// knows is treated as canceled now.
func (s *Service) fetch(ctx context.Context, externalID string) (subscriptiondomain.Snapshot, error) {
	sub, err := s.provider.GetSubscription(ctx, externalID)
	if errors.Is(err, stripeprovider.ErrNotFound) {
		s.log.Warn("platform subscription missing, releasing tenant", zap.String("external_subscription_id", externalID))
		return subscriptiondomain.Snapshot{
			ExternalSubscriptionID: externalID,
			Status:                 subscriptiondomain.StatusCanceled,
			ObservedAt:             s.clock.Now(),
		}, nil
	}
	if err != nil {
		return subscriptiondomain.Snapshot{}, err
	}

	plan := subscriptiondomain.ResolvePlan(s.plans.Get(), sub.View.Metadata["plan"], sub.View.PriceID)
	return sub.View.Snapshot(plan, sub.ObservedAt), nil
}
