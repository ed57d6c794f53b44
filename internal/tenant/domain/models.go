// Package domain holds the narrow tenant view the billing engine reads and writes.
// Tenant rows are owned by the account layer; billing only touches plan and
// external_customer_id.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Tenant struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	Name               string       `gorm:"type:text;not null"`
	Email              string       `gorm:"type:text"`
	Plan               string       `gorm:"type:text;not null;default:free"`
	ExternalCustomerID *string      `gorm:"type:text"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Tenant) TableName() string { return "tenants" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	// SetPlan reports whether a tenant row was updated.
	SetPlan(ctx context.Context, db *gorm.DB, id snowflake.ID, plan string, now time.Time) (bool, error)
	SetExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, now time.Time) (bool, error)
}
