package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/pkg/db/pagination"
)

type RecordRequest struct {
	ExternalPaymentIntentID string
	TenantID                snowflake.ID
	SubscriptionID          *snowflake.ID
	ExternalInvoiceID       string
	Amount                  int64
	Currency                string
	Status                  Status
	Type                    Type
	FailureReason           string
	OccurredAt              time.Time
}

type RecordResult struct {
	Payment Payment
	// Duplicate is true when the payment intent was already in the ledger.
	Duplicate bool
}

type RefundResult struct {
	Payment Payment
	Applied bool
	Clamped bool
}

type ListRequest struct {
	TenantID  *snowflake.ID
	Status    string
	Type      string
	PageToken string
	PageSize  int
}

type ListResponse struct {
	pagination.PageInfo
	Payments []Payment `json:"payments"`
}

type Summary struct {
	Totals []CurrencyTotals `json:"totals"`
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (RecordResult, error)
	// ApplyRefund sets the cumulative refunded amount reported by the platform.
	ApplyRefund(ctx context.Context, paymentIntentID string, refundedAmount int64) (RefundResult, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Summary(ctx context.Context, tenantID *snowflake.ID) (Summary, error)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrInvalidPaymentIntent = errors.New("invalid_payment_intent")
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidType          = errors.New("invalid_type")
	ErrInvalidPageSize      = errors.New("invalid_page_size")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrNotRefundable        = errors.New("payment_not_refundable")
)
