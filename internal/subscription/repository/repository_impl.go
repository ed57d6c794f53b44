package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/billingsync/pkg/db"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, external_customer_id, external_subscription_id, external_price_id,
		 plan, status, current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		 trial_start, trial_end, snapshot_at, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertIgnore(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, external_customer_id, external_subscription_id, external_price_id,
			plan, status, current_period_start, current_period_end, cancel_at_period_end, canceled_at,
			trial_start, trial_end, snapshot_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING`,
		subscription.ID,
		subscription.TenantID,
		subscription.ExternalCustomerID,
		subscription.ExternalSubscriptionID,
		subscription.ExternalPriceID,
		subscription.Plan,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.TrialStart,
		subscription.TrialEnd,
		subscription.SnapshotAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `tenant_id = ?`, tenantID)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `external_subscription_id = ?`, externalSubscriptionID)
}

func (r *repo) FindByExternalCustomerID(ctx context.Context, db *gorm.DB, externalCustomerID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `external_customer_id = ?`, externalCustomerID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE `+where+`
		 ORDER BY updated_at DESC LIMIT 1`,
		arg,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) UpdateFromSnapshot(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription, linkedTo string) (bool, error) {
	query := `UPDATE subscriptions SET
			external_customer_id = ?,
			external_subscription_id = ?,
			external_price_id = ?,
			plan = ?,
			status = ?,
			current_period_start = ?,
			current_period_end = ?,
			cancel_at_period_end = ?,
			canceled_at = ?,
			trial_start = ?,
			trial_end = ?,
			snapshot_at = ?,
			updated_at = ?
		 WHERE tenant_id = ? AND (snapshot_at IS NULL OR snapshot_at <= ?)`
	args := []any{
		subscription.ExternalCustomerID,
		subscription.ExternalSubscriptionID,
		subscription.ExternalPriceID,
		subscription.Plan,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.TrialStart,
		subscription.TrialEnd,
		subscription.SnapshotAt,
		subscription.UpdatedAt,
		subscription.TenantID,
		subscription.SnapshotAt,
	}
	if linkedTo != "" {
		query += ` AND external_subscription_id = ?`
		args = append(args, linkedTo)
	}

	result := db.WithContext(ctx).Exec(query, args...)
	if pkgdb.IsDuplicateKeyErr(result.Error) {
		return false, subscriptiondomain.ErrLinkedToOtherTenant
	}
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateCustomerID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, customerID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET external_customer_id = ?, updated_at = ? WHERE tenant_id = ?`,
		customerID,
		now,
		tenantID,
	).Error
}

func (r *repo) ListLinkedTenants(ctx context.Context, db *gorm.DB, afterTenantID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id FROM subscriptions
		 WHERE external_subscription_id IS NOT NULL AND external_subscription_id <> ''
		   AND tenant_id > ?
		 ORDER BY tenant_id ASC
		 LIMIT ?`,
		afterTenantID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
