package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/billingsync/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() tenantdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, email, plan, external_customer_id, created_at, updated_at
		 FROM tenants WHERE id = ?`,
		id,
	).Scan(&tenant).Error
	if err != nil {
		return nil, err
	}
	if tenant.ID == 0 {
		return nil, nil
	}
	return &tenant, nil
}

func (r *repo) SetPlan(ctx context.Context, db *gorm.DB, id snowflake.ID, plan string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenants SET plan = ?, updated_at = ? WHERE id = ?`,
		plan,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SetExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenants SET external_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
