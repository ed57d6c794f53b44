// Package domain contains the payment ledger model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusCanceled          Status = "canceled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed, StatusCanceled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Settled reports whether money was collected for the payment.
func (s Status) Settled() bool {
	return s == StatusSucceeded || s == StatusRefunded || s == StatusPartiallyRefunded
}

type Type string

const (
	TypeSubscription Type = "subscription"
	TypeSetup        Type = "setup"
	TypeInvoice      Type = "invoice"
	TypeOneTime      Type = "one_time"
)

func (t Type) Valid() bool {
	switch t {
	case TypeSubscription, TypeSetup, TypeInvoice, TypeOneTime:
		return true
	}
	return false
}

// Payment is one row per platform payment intent. Rows are never deleted.
type Payment struct {
	ID                      snowflake.ID  `gorm:"primaryKey" json:"id"`
	ExternalPaymentIntentID string        `gorm:"type:text;not null;uniqueIndex:ux_payments_payment_intent" json:"external_payment_intent_id"`
	TenantID                snowflake.ID  `gorm:"not null;index:idx_payments_tenant_id" json:"tenant_id"`
	SubscriptionID          *snowflake.ID `gorm:"index:idx_payments_subscription_id" json:"subscription_id,omitempty"`
	ExternalInvoiceID       *string       `gorm:"type:text" json:"external_invoice_id,omitempty"`
	Amount                  int64         `gorm:"not null" json:"amount"`
	Currency                string        `gorm:"type:text;not null" json:"currency"`
	Status                  Status        `gorm:"type:text;not null" json:"status"`
	Type                    Type          `gorm:"type:text;not null" json:"type"`
	RefundedAmount          int64         `gorm:"not null;default:0" json:"refunded_amount"`
	FailureReason           *string       `gorm:"type:text" json:"failure_reason,omitempty"`
	OccurredAt              time.Time     `gorm:"not null" json:"occurred_at"`
	CreatedAt               time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt               time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// DeriveStatus recomputes the refund status. Payments without refunds keep base.
func DeriveStatus(base Status, amount, refunded int64) Status {
	switch {
	case amount > 0 && refunded >= amount:
		return StatusRefunded
	case refunded > 0:
		return StatusPartiallyRefunded
	case base == StatusRefunded || base == StatusPartiallyRefunded:
		return StatusSucceeded
	default:
		return base
	}
}

// WithRefund returns p with refunded set to the platform's cumulative refund,
// clamped to [0, amount]. clamped is true when the value had to be bounded.
func (p Payment) WithRefund(refunded int64) (next Payment, clamped bool) {
	next = p
	if refunded < 0 {
		refunded = 0
		clamped = true
	}
	if refunded > p.Amount {
		refunded = p.Amount
		clamped = true
	}
	next.RefundedAmount = refunded
	next.Status = DeriveStatus(p.Status, p.Amount, refunded)
	return next, clamped
}
