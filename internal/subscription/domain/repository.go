package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIgnore creates the record unless the tenant already has one.
	InsertIgnore(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*Subscription, error)
	FindByExternalCustomerID(ctx context.Context, db *gorm.DB, externalCustomerID string) (*Subscription, error)
	// UpdateFromSnapshot writes the platform-owned fields unless the stored
	// snapshot_at is newer than subscription.SnapshotAt. A non-empty linkedTo
	// additionally requires the row to still carry that external subscription id.
	UpdateFromSnapshot(ctx context.Context, db *gorm.DB, subscription *Subscription, linkedTo string) (bool, error)
	UpdateCustomerID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, customerID string, now time.Time) error
	// ListLinkedTenants pages through tenants that carry an external
	// subscription id, ordered by tenant id.
	ListLinkedTenants(ctx context.Context, db *gorm.DB, afterTenantID snowflake.ID, limit int) ([]snowflake.ID, error)
}
