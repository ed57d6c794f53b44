package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	TenantID        *snowflake.ID
	Status          *Status
	Type            *Type
	CursorCreatedAt *time.Time
	CursorID        *snowflake.ID
	Limit           int
}

// CurrencyTotals is one row of the ledger aggregate.
type CurrencyTotals struct {
	Currency       string `json:"currency"`
	TotalSucceeded int64  `json:"total_succeeded"`
	TotalRefunded  int64  `json:"total_refunded"`
	SucceededCount int64  `json:"succeeded_count"`
	Count          int64  `json:"count"`
}

type Repository interface {
	// InsertIgnore reports false when the payment intent was already recorded.
	InsertIgnore(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*Payment, error)
	// UpdateRefund never lowers the stored refunded amount.
	UpdateRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, refunded int64, status Status, now time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Payment, error)
	Summary(ctx context.Context, db *gorm.DB, tenantID *snowflake.ID) ([]CurrencyTotals, error)
}
