package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/customer/domain"
	"github.com/smallbiznis/billingsync/internal/lock"
	stripeprovider "github.com/smallbiznis/billingsync/internal/providers/stripe"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/billingsync/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	lockTTL  = 30 * time.Second
	lockWait = 15 * time.Second
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Subscriptions subscriptiondomain.Service
	TenantRepo    tenantdomain.Repository
	Provider      stripeprovider.Provider
	Locker        *lock.Locker
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	subscriptions subscriptiondomain.Service
	tenantRepo    tenantdomain.Repository
	provider      stripeprovider.Provider
	locker        *lock.Locker

	group singleflight.Group
}

func New(p Params) domain.Resolver {
	locker := p.Locker
	if locker == nil {
		locker = lock.NewLocker(nil)
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("customer.resolver"),
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
		tenantRepo:    p.TenantRepo,
		provider:      p.Provider,
		locker:        locker,
	}
}

func (s *Service) Resolve(ctx context.Context, tenantID snowflake.ID) (string, error) {
	if tenantID == 0 {
		return "", domain.ErrInvalidTenant
	}

	// The shared call outlives any single caller: it runs detached from the
	// first caller's cancellation and is bounded by the lock timings instead.
	key := tenantID.String()
	ch := s.group.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockWait+lockTTL)
		defer cancel()

		var customerID string
		err := s.locker.WithLock(shared, "customer:"+key, lockTTL, lockWait, func(ctx context.Context) error {
			var err error
			customerID, err = s.resolve(ctx, tenantID)
			return err
		})
		return customerID, err
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Service) resolve(ctx context.Context, tenantID snowflake.ID) (string, error) {
	record, err := s.subscriptions.GetOrCreate(ctx, tenantID)
	if err != nil {
		return "", err
	}

	idempotencyKey := "customer-" + tenantID.String()
	if stored := record.ExternalCustomerID; stored != "" {
		exists, err := s.provider.CustomerExists(ctx, stored)
		if err != nil {
			return "", err
		}
		if exists {
			return stored, nil
		}
		s.log.Warn("stored customer no longer exists upstream, creating a new one",
			zap.String("tenant_id", tenantID.String()),
			zap.String("customer_id", stored),
		)
		// The original key would replay the deleted customer.
		idempotencyKey = fmt.Sprintf("customer-%s-replaces-%s", tenantID, stored)
	}

	tenant, err := s.tenantRepo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return "", err
	}
	if tenant == nil {
		return "", domain.ErrTenantNotFound
	}

	customerID, err := s.provider.CreateCustomer(ctx, stripeprovider.CustomerRequest{
		TenantID:       tenantID.String(),
		Email:          tenant.Email,
		Name:           tenant.Name,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", err
	}

	if _, err := s.tenantRepo.SetExternalCustomerID(ctx, s.db, tenantID, customerID, s.clock.Now()); err != nil {
		return "", err
	}
	if _, err := s.subscriptions.SetCustomerID(ctx, tenantID, customerID); err != nil {
		return "", err
	}

	s.log.Info("customer resolved",
		zap.String("tenant_id", tenantID.String()),
		zap.String("customer_id", customerID),
	)
	return customerID, nil
}
