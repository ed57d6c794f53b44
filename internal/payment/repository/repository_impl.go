package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/payment/domain"
	"gorm.io/gorm"
)

const paymentColumns = `id, external_payment_intent_id, tenant_id, subscription_id, external_invoice_id,
		 amount, currency, status, type, refunded_amount, failure_reason, occurred_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIgnore(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, external_payment_intent_id, tenant_id, subscription_id, external_invoice_id,
			amount, currency, status, type, refunded_amount, failure_reason, occurred_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_payment_intent_id) DO NOTHING`,
		payment.ID,
		payment.ExternalPaymentIntentID,
		payment.TenantID,
		payment.SubscriptionID,
		payment.ExternalInvoiceID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.Type,
		payment.RefundedAmount,
		payment.FailureReason,
		payment.OccurredAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments WHERE external_payment_intent_id = ?
		 LIMIT 1`,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, refunded int64, status domain.Status, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET refunded_amount = ?, status = ?, updated_at = ?
		 WHERE id = ? AND refunded_amount <= ? AND amount >= ?`,
		refunded,
		status,
		now,
		id,
		refunded,
		refunded,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Payment, error) {
	clauses := []string{"1 = 1"}
	args := []any{}
	if filter.TenantID != nil {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, *filter.TenantID)
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		clauses = append(clauses, "type = ?")
		args = append(args, *filter.Type)
	}
	if filter.CursorCreatedAt != nil && filter.CursorID != nil {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, *filter.CursorCreatedAt, *filter.CursorCreatedAt, *filter.CursorID)
	}
	args = append(args, filter.Limit)

	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE `+strings.Join(clauses, " AND ")+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Summary(ctx context.Context, db *gorm.DB, tenantID *snowflake.ID) ([]domain.CurrencyTotals, error) {
	where := "1 = 1"
	args := []any{
		domain.StatusSucceeded, domain.StatusRefunded, domain.StatusPartiallyRefunded,
		domain.StatusSucceeded, domain.StatusRefunded, domain.StatusPartiallyRefunded,
	}
	if tenantID != nil {
		where = "tenant_id = ?"
		args = append(args, *tenantID)
	}

	var rows []domain.CurrencyTotals
	err := db.WithContext(ctx).Raw(
		`SELECT currency,
			COALESCE(SUM(CASE WHEN status IN (?, ?, ?) THEN amount ELSE 0 END), 0) AS total_succeeded,
			COALESCE(SUM(refunded_amount), 0) AS total_refunded,
			COALESCE(SUM(CASE WHEN status IN (?, ?, ?) THEN 1 ELSE 0 END), 0) AS succeeded_count,
			COUNT(*) AS count
		 FROM payments
		 WHERE `+where+`
		 GROUP BY currency
		 ORDER BY currency`,
		args...,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
