package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/billingsync/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	tenantRepo tenantdomain.Repository
	metrics    *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       subscriptiondomain.Repository
	TenantRepo tenantdomain.Repository
	Metrics    *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		tenantRepo: p.TenantRepo,
		metrics:    p.Metrics,
	}
}

func (s *Service) GetOrCreate(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}

	record, err := s.ensureRecord(ctx, s.db, tenantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return *record, nil
}

func (s *Service) FindByTenant(ctx context.Context, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	return s.repo.FindByTenant(ctx, s.db, tenantID)
}

func (s *Service) FindByExternalID(ctx context.Context, externalSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID == "" {
		return nil, subscriptiondomain.ErrMissingExternalID
	}
	return s.repo.FindByExternalID(ctx, s.db, externalSubscriptionID)
}

func (s *Service) FindByExternalCustomerID(ctx context.Context, externalCustomerID string) (*subscriptiondomain.Subscription, error) {
	externalCustomerID = strings.TrimSpace(externalCustomerID)
	if externalCustomerID == "" {
		return nil, nil
	}
	return s.repo.FindByExternalCustomerID(ctx, s.db, externalCustomerID)
}

func (s *Service) ApplySnapshot(ctx context.Context, tenantID snowflake.ID, snapshot subscriptiondomain.Snapshot) (subscriptiondomain.ApplyResult, error) {
	if tenantID == 0 {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrInvalidTenant
	}
	snapshot, err := s.normalizeSnapshot(snapshot)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}

	var result subscriptiondomain.ApplyResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.ensureRecord(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		result, err = s.apply(ctx, tx, *current, snapshot, "")
		return err
	})
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	return result, nil
}

func (s *Service) ApplySnapshotByExternalID(ctx context.Context, snapshot subscriptiondomain.Snapshot) (subscriptiondomain.ApplyResult, error) {
	snapshot, err := s.normalizeSnapshot(snapshot)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	if snapshot.ExternalSubscriptionID == "" {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrMissingExternalID
	}

	var result subscriptiondomain.ApplyResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByExternalID(ctx, tx, snapshot.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if current == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		result, err = s.apply(ctx, tx, *current, snapshot, snapshot.ExternalSubscriptionID)
		return err
	})
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	return result, nil
}

func (s *Service) Downgrade(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}

	var out subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.ensureRecord(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC().Truncate(time.Second)
		observedAt := now
		if current.SnapshotAt != nil && current.SnapshotAt.After(observedAt) {
			observedAt = *current.SnapshotAt
		}
		canceledAt := now
		if current.CanceledAt != nil && current.Status == subscriptiondomain.StatusCanceled {
			canceledAt = *current.CanceledAt
		}

		result, err := s.apply(ctx, tx, *current, subscriptiondomain.Snapshot{
			Status:             subscriptiondomain.StatusCanceled,
			CurrentPeriodStart: current.CurrentPeriodStart,
			CurrentPeriodEnd:   current.CurrentPeriodEnd,
			CanceledAt:         &canceledAt,
			TrialStart:         current.TrialStart,
			TrialEnd:           current.TrialEnd,
			ObservedAt:         observedAt,
		}, "")
		if err != nil {
			return err
		}
		out = result.Subscription
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription downgraded to free", zap.String("tenant_id", tenantID.String()))
	return out, nil
}

func (s *Service) SetCustomerID(ctx context.Context, tenantID snowflake.ID, customerID string) (subscriptiondomain.Subscription, error) {
	customerID = strings.TrimSpace(customerID)
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}

	var out subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureRecord(ctx, tx, tenantID); err != nil {
			return err
		}
		if err := s.repo.UpdateCustomerID(ctx, tx, tenantID, customerID, s.clock.Now()); err != nil {
			return err
		}
		record, err := s.repo.FindByTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if record == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		out = *record
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return out, nil
}

// apply merges snapshot into current and writes it under the ordering guard.
// With linkedTo set the write only lands while the row is still linked to that
// external subscription; a row relinked meanwhile yields ErrSubscriptionNotFound.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, current subscriptiondomain.Subscription, snapshot subscriptiondomain.Snapshot, linkedTo string) (subscriptiondomain.ApplyResult, error) {
	now := s.clock.Now()
	next := snapshot.Merge(current, now)

	if !snapshot.Terminal() && next.Plan == subscriptiondomain.PlanFree && next.HasExternalSubscription() {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrPlanUnresolved
	}
	if err := next.Validate(); err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}

	applied, err := s.repo.UpdateFromSnapshot(ctx, tx, &next, linkedTo)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	if !applied {
		stored, err := s.repo.FindByTenant(ctx, tx, current.TenantID)
		if err != nil {
			return subscriptiondomain.ApplyResult{}, err
		}
		if stored == nil {
			return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrSubscriptionNotFound
		}
		if linkedTo != "" && (stored.ExternalSubscriptionID == nil || *stored.ExternalSubscriptionID != linkedTo) {
			s.log.Info("subscription relinked before snapshot write",
				zap.String("tenant_id", current.TenantID.String()),
				zap.String("external_subscription_id", linkedTo),
			)
			return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrSubscriptionNotFound
		}
		s.metrics.RecordStaleSnapshot(ctx, "subscription")
		s.log.Info("stale subscription snapshot ignored",
			zap.String("tenant_id", current.TenantID.String()),
			zap.String("external_subscription_id", snapshot.ExternalSubscriptionID),
			zap.Time("observed_at", snapshot.ObservedAt),
		)
		return subscriptiondomain.ApplyResult{Subscription: *stored}, nil
	}

	result := subscriptiondomain.ApplyResult{Subscription: next, Applied: true}
	if snapshot.Terminal() {
		if err := s.releaseToFree(ctx, tx, current.TenantID, now); err != nil {
			return subscriptiondomain.ApplyResult{}, err
		}
		result.Released = true
	}
	return result, nil
}

// releaseToFree is the single writer of the tenant's denormalized plan.
func (s *Service) releaseToFree(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, now time.Time) error {
	updated, err := s.tenantRepo.SetPlan(ctx, tx, tenantID, string(subscriptiondomain.PlanFree), now)
	if err != nil {
		return err
	}
	if !updated {
		s.log.Debug("tenant row not found while releasing plan", zap.String("tenant_id", tenantID.String()))
	}
	return nil
}

func (s *Service) ensureRecord(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	existing, err := s.repo.FindByTenant(ctx, db, tenantID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	record := subscriptiondomain.NewFree(s.genID.Generate(), tenantID, s.clock.Now())
	if _, err := s.repo.InsertIgnore(ctx, db, &record); err != nil {
		return nil, err
	}

	// A concurrent first read may have won the insert; converge on the stored row.
	stored, err := s.repo.FindByTenant(ctx, db, tenantID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return stored, nil
}

func (s *Service) normalizeSnapshot(snapshot subscriptiondomain.Snapshot) (subscriptiondomain.Snapshot, error) {
	snapshot.ExternalSubscriptionID = strings.TrimSpace(snapshot.ExternalSubscriptionID)
	snapshot.ExternalCustomerID = strings.TrimSpace(snapshot.ExternalCustomerID)
	snapshot.ExternalPriceID = strings.TrimSpace(snapshot.ExternalPriceID)
	if !snapshot.Status.Valid() {
		return subscriptiondomain.Snapshot{}, subscriptiondomain.ErrInvalidStatus
	}
	if snapshot.Plan != "" && !snapshot.Plan.Valid() {
		return subscriptiondomain.Snapshot{}, subscriptiondomain.ErrInvalidPlan
	}
	if snapshot.ObservedAt.IsZero() {
		snapshot.ObservedAt = s.clock.Now()
	}
	return snapshot, nil
}
