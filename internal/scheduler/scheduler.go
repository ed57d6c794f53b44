package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/lock"
	reconciledomain "github.com/smallbiznis/billingsync/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sweepLockKey = "scheduler:reconcile_sweep"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       subscriptiondomain.Repository
	Reconciler reconciledomain.Service
	Locker     *lock.Locker
	Config     Config `optional:"true"`
}

// Scheduler periodically reconciles every tenant linked to a platform
// subscription, catching webhooks that never arrived.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	reconciler reconciledomain.Service
	locker     *lock.Locker
}

// SweepStats summarizes one pass over the linked tenants.
type SweepStats struct {
	Scanned int
	Synced  int
	Failed  int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Reconciler == nil || p.Locker == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		repo:       p.Repo,
		reconciler: p.Reconciler,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	log.Debug("job started")

	err := fn(ctx)
	duration := s.clock.Now().Sub(start)
	if err == nil {
		log.Info("job finished", zap.Duration("duration", duration))
		return nil
	}

	// deadline is a soft timeout; the next tick resumes
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs a single sweep unless another replica holds the sweep lock.
func (s *Scheduler) RunOnce(parent context.Context) error {
	token, ok, err := s.locker.TryLock(parent, sweepLockKey, s.cfg.JobTimeout)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		s.log.Debug("sweep already running elsewhere")
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.Background(), sweepLockKey, token); err != nil {
			s.log.Warn("release sweep lock failed", zap.Error(err))
		}
	}()

	return s.runJob(parent, "reconcile_sweep", s.cfg.JobTimeout, func(ctx context.Context) error {
		stats, err := s.ReconcileSweepJob(ctx)
		s.log.Info("reconcile sweep",
			zap.Int("scanned", stats.Scanned),
			zap.Int("synced", stats.Synced),
			zap.Int("failed", stats.Failed),
		)
		return err
	})
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcileSweepJob syncs every linked tenant in batches. A failing tenant
// does not stop the sweep.
func (s *Scheduler) ReconcileSweepJob(ctx context.Context) (SweepStats, error) {
	var (
		stats SweepStats
		after snowflake.ID
	)

	for {
		ids, err := s.repo.ListLinkedTenants(ctx, s.db, after, s.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(ids) == 0 {
			break
		}

		for _, tenantID := range ids {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Scanned++
			if _, err := s.reconciler.Sync(ctx, tenantID); err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return stats, err
				}
				stats.Failed++
				s.log.Warn("tenant reconcile failed",
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err),
				)
				continue
			}
			stats.Synced++
		}

		after = ids[len(ids)-1]
		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d of %d tenants failed to reconcile", stats.Failed, stats.Scanned)
	}
	return stats, nil
}
