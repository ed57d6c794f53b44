package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	obsmetrics "github.com/smallbiznis/billingsync/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/billingsync/internal/payment/domain"
	"github.com/smallbiznis/billingsync/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// Record inserts the payment once per payment intent. Redeliveries return the
// stored row with Duplicate set.
func (s *Service) Record(ctx context.Context, req paymentdomain.RecordRequest) (paymentdomain.RecordResult, error) {
	payment, err := s.buildPayment(req)
	if err != nil {
		return paymentdomain.RecordResult{}, err
	}

	inserted, err := s.repo.InsertIgnore(ctx, s.db, &payment)
	if err != nil {
		return paymentdomain.RecordResult{}, err
	}
	s.obsMetrics.RecordPayment(ctx, string(payment.Status), !inserted)
	if inserted {
		s.log.Info("payment recorded",
			zap.String("tenant_id", payment.TenantID.String()),
			zap.String("payment_intent_id", payment.ExternalPaymentIntentID),
			zap.String("status", string(payment.Status)),
			zap.Int64("amount", payment.Amount),
			zap.String("currency", payment.Currency),
		)
		return paymentdomain.RecordResult{Payment: payment}, nil
	}

	stored, err := s.repo.FindByPaymentIntent(ctx, s.db, payment.ExternalPaymentIntentID)
	if err != nil {
		return paymentdomain.RecordResult{}, err
	}
	if stored == nil {
		return paymentdomain.RecordResult{}, paymentdomain.ErrPaymentNotFound
	}
	s.log.Debug("duplicate payment ignored", zap.String("payment_intent_id", payment.ExternalPaymentIntentID))
	return paymentdomain.RecordResult{Payment: *stored, Duplicate: true}, nil
}

func (s *Service) ApplyRefund(ctx context.Context, paymentIntentID string, refundedAmount int64) (paymentdomain.RefundResult, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return paymentdomain.RefundResult{}, paymentdomain.ErrInvalidPaymentIntent
	}

	var result paymentdomain.RefundResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByPaymentIntent(ctx, tx, paymentIntentID)
		if err != nil {
			return err
		}
		if current == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if !current.Status.Settled() {
			return paymentdomain.ErrNotRefundable
		}

		next, clamped := current.WithRefund(refundedAmount)
		if clamped {
			s.log.Warn("refund amount clamped to payment amount",
				zap.String("payment_intent_id", paymentIntentID),
				zap.Int64("reported", refundedAmount),
				zap.Int64("amount", current.Amount),
			)
		}

		applied, err := s.repo.UpdateRefund(ctx, tx, current.ID, next.RefundedAmount, next.Status, s.clock.Now())
		if err != nil {
			return err
		}
		if !applied {
			// A larger refund total is already stored.
			result = paymentdomain.RefundResult{Payment: *current, Clamped: clamped}
			return nil
		}
		result = paymentdomain.RefundResult{Payment: next, Applied: true, Clamped: clamped}
		return nil
	})
	if err != nil {
		return paymentdomain.RefundResult{}, err
	}
	if result.Applied {
		s.obsMetrics.RecordRefund(ctx, string(result.Payment.Status))
	}
	return result, nil
}

func (s *Service) List(ctx context.Context, req paymentdomain.ListRequest) (paymentdomain.ListResponse, error) {
	filter := paymentdomain.ListFilter{TenantID: req.TenantID}

	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = paymentdomain.DefaultPageSize
	}
	if pageSize < 1 || pageSize > paymentdomain.MaxPageSize {
		return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidPageSize
	}
	filter.Limit = pageSize + 1

	if status := strings.ToLower(strings.TrimSpace(req.Status)); status != "" {
		parsed := paymentdomain.Status(status)
		if !parsed.Valid() {
			return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidStatus
		}
		filter.Status = &parsed
	}
	if typ := strings.ToLower(strings.TrimSpace(req.Type)); typ != "" {
		parsed := paymentdomain.Type(typ)
		if !parsed.Valid() {
			return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidType
		}
		filter.Type = &parsed
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidPageToken
		}
		createdAt = createdAt.UTC()
		filter.CursorID = &id
		filter.CursorCreatedAt = &createdAt
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}

	page, pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(p paymentdomain.Payment) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        p.ID.String(),
			CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if page == nil {
		page = []paymentdomain.Payment{}
	}

	return paymentdomain.ListResponse{PageInfo: pageInfo, Payments: page}, nil
}

func (s *Service) Summary(ctx context.Context, tenantID *snowflake.ID) (paymentdomain.Summary, error) {
	totals, err := s.repo.Summary(ctx, s.db, tenantID)
	if err != nil {
		return paymentdomain.Summary{}, err
	}
	if totals == nil {
		totals = []paymentdomain.CurrencyTotals{}
	}
	return paymentdomain.Summary{Totals: totals}, nil
}

func (s *Service) buildPayment(req paymentdomain.RecordRequest) (paymentdomain.Payment, error) {
	intent := strings.TrimSpace(req.ExternalPaymentIntentID)
	if intent == "" {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidPaymentIntent
	}
	if req.TenantID == 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidTenant
	}
	if req.Amount < 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidCurrency
	}
	if !req.Status.Valid() {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidStatus
	}
	typ := req.Type
	if typ == "" {
		typ = paymentdomain.TypeSubscription
	}
	if !typ.Valid() {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidType
	}

	now := s.clock.Now()
	occurredAt := req.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}

	payment := paymentdomain.Payment{
		ID:                      s.genID.Generate(),
		ExternalPaymentIntentID: intent,
		TenantID:                req.TenantID,
		SubscriptionID:          req.SubscriptionID,
		Amount:                  req.Amount,
		Currency:                currency,
		Status:                  req.Status,
		Type:                    typ,
		OccurredAt:              occurredAt,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if invoice := strings.TrimSpace(req.ExternalInvoiceID); invoice != "" {
		payment.ExternalInvoiceID = &invoice
	}
	if reason := strings.TrimSpace(req.FailureReason); reason != "" {
		payment.FailureReason = &reason
	}
	return payment, nil
}
