package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/billingsync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"github.com/smallbiznis/billingsync/internal/webhook/domain"
	"go.uber.org/zap"
)

const (
	reasonUnknownTenant       = "unknown_tenant"
	reasonUnknownSubscription = "unknown_subscription"
	reasonConflictingSub      = "tenant_has_other_subscription"
	reasonLinkedElsewhere     = "subscription_linked_to_other_tenant"
	reasonPlanUnresolved      = "plan_unresolved"
	reasonInvalidSnapshot     = "invalid_snapshot"
	reasonNoSubscription      = "invoice_without_subscription"
	reasonInvalidPayment      = "invalid_payment"
	reasonUnknownPayment      = "unknown_payment"
	reasonNotRefundable       = "payment_not_refundable"
	reasonMissingReference    = "missing_reference"
	reasonUndecodable         = "invalid_payload"
)

func (d *Dispatcher) handleSubscriptionCreated(ctx context.Context, event domain.Event) error {
	view := event.Subscription

	tenantID := tenantFromMetadata(view.Metadata)
	if tenantID == 0 {
		record, err := d.subscriptions.FindByExternalCustomerID(ctx, view.CustomerID)
		if err != nil {
			return err
		}
		if record != nil {
			tenantID = record.TenantID
		}
	}
	if tenantID == 0 {
		return dropped(reasonUnknownTenant)
	}
	if err := d.requireTenant(ctx, tenantID); err != nil {
		return err
	}

	result, err := d.subscriptions.ApplySnapshot(ctx, tenantID, view.Snapshot(d.resolvePlan(view), event.Created))
	if err != nil {
		return snapshotError(err)
	}
	d.log.Info("subscription created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("external_subscription_id", view.ID),
		zap.String("plan", string(result.Subscription.Plan)),
		zap.Bool("applied", result.Applied),
	)
	return nil
}

func (d *Dispatcher) handleSubscriptionUpdated(ctx context.Context, event domain.Event) error {
	view := event.Subscription
	snapshot := view.Snapshot(d.resolvePlan(view), event.Created)

	result, err := d.subscriptions.ApplySnapshotByExternalID(ctx, snapshot)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		// The updated event overtook created.
		tenantID, ferr := d.fallbackTenant(ctx, view)
		if ferr != nil {
			return ferr
		}
		result, err = d.subscriptions.ApplySnapshot(ctx, tenantID, snapshot)
	}
	if err != nil {
		return snapshotError(err)
	}
	d.log.Info("subscription updated",
		zap.String("tenant_id", result.Subscription.TenantID.String()),
		zap.String("external_subscription_id", view.ID),
		zap.String("status", string(result.Subscription.Status)),
		zap.Bool("applied", result.Applied),
		zap.Bool("released", result.Released),
	)
	return nil
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, event domain.Event) error {
	view := event.Subscription
	snapshot := view.Snapshot("", event.Created)
	snapshot.Status = subscriptiondomain.StatusCanceled
	if snapshot.CanceledAt == nil && !event.Created.IsZero() {
		canceledAt := event.Created
		snapshot.CanceledAt = &canceledAt
	}

	result, err := d.subscriptions.ApplySnapshotByExternalID(ctx, snapshot)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return dropped(reasonUnknownSubscription)
	}
	if err != nil {
		return snapshotError(err)
	}
	d.log.Info("subscription deleted",
		zap.String("tenant_id", result.Subscription.TenantID.String()),
		zap.String("external_subscription_id", view.ID),
		zap.Bool("applied", result.Applied),
		zap.Bool("released", result.Released),
	)
	return nil
}

func (d *Dispatcher) handleInvoice(ctx context.Context, event domain.Event) error {
	invoice := event.Invoice
	if invoice.SubscriptionID == "" {
		return dropped(reasonNoSubscription)
	}

	record, err := d.subscriptions.FindByExternalID(ctx, invoice.SubscriptionID)
	if err != nil {
		return err
	}
	if record == nil {
		return dropped(reasonUnknownSubscription)
	}

	req := paymentdomain.RecordRequest{
		ExternalPaymentIntentID: invoice.PaymentKey(),
		TenantID:                record.TenantID,
		SubscriptionID:          &record.ID,
		ExternalInvoiceID:       invoice.ID,
		Amount:                  invoice.AmountPaid,
		Currency:                invoice.Currency,
		Status:                  paymentdomain.StatusSucceeded,
		Type:                    paymentType(invoice.BillingReason),
		OccurredAt:              event.Created,
	}
	if event.Type == domain.EventInvoicePaymentFailed {
		req.Amount = invoice.AmountDue
		req.Status = paymentdomain.StatusFailed
		req.FailureReason = invoice.FailureMessage
	}

	result, err := d.payments.Record(ctx, req)
	if err != nil {
		if isPaymentValidation(err) {
			d.log.Warn("invoice payment rejected", zap.String("invoice_id", invoice.ID), zap.Error(err))
			return dropped(reasonInvalidPayment)
		}
		return err
	}
	d.log.Info("payment recorded",
		zap.String("tenant_id", record.TenantID.String()),
		zap.String("payment_intent_id", req.ExternalPaymentIntentID),
		zap.String("status", string(result.Payment.Status)),
		zap.Bool("duplicate", result.Duplicate),
	)
	return nil
}

func (d *Dispatcher) handleChargeRefunded(ctx context.Context, event domain.Event) error {
	charge := event.Charge
	key := charge.PaymentIntentID
	if key == "" {
		key = charge.InvoiceID
	}
	if key == "" {
		return dropped(reasonUnknownPayment)
	}

	result, err := d.payments.ApplyRefund(ctx, key, charge.AmountRefunded)
	switch {
	case errors.Is(err, paymentdomain.ErrPaymentNotFound):
		return dropped(reasonUnknownPayment)
	case errors.Is(err, paymentdomain.ErrNotRefundable):
		return dropped(reasonNotRefundable)
	case errors.Is(err, paymentdomain.ErrInvalidAmount):
		return dropped(reasonInvalidPayment)
	case err != nil:
		return err
	}
	d.log.Info("refund applied",
		zap.String("payment_intent_id", key),
		zap.Int64("refunded_amount", result.Payment.RefundedAmount),
		zap.String("status", string(result.Payment.Status)),
		zap.Bool("applied", result.Applied),
	)
	return nil
}

// handleCheckoutCompleted links the platform customer to the tenant. Plan and
// status arrive with the subscription events.
func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, event domain.Event) error {
	session := event.CheckoutSession
	tenantID := tenantFromMetadata(session.Metadata)
	if tenantID == 0 {
		tenantID = parseTenantID(session.ClientReferenceID)
	}
	if tenantID == 0 || session.CustomerID == "" {
		return dropped(reasonMissingReference)
	}

	updated, err := d.tenantRepo.SetExternalCustomerID(ctx, d.db, tenantID, session.CustomerID, d.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return dropped(reasonUnknownTenant)
	}
	if _, err := d.subscriptions.SetCustomerID(ctx, tenantID, session.CustomerID); err != nil {
		return err
	}
	d.log.Info("checkout completed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("customer_id", session.CustomerID),
		zap.String("session_id", session.ID),
	)
	return nil
}

// fallbackTenant correlates an unknown subscription through its metadata,
// refusing tenants already linked to a different subscription.
func (d *Dispatcher) fallbackTenant(ctx context.Context, view *domain.SubscriptionView) (snowflake.ID, error) {
	tenantID := tenantFromMetadata(view.Metadata)
	if tenantID == 0 {
		return 0, dropped(reasonUnknownSubscription)
	}
	record, err := d.subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if record != nil && record.HasExternalSubscription() && *record.ExternalSubscriptionID != view.ID {
		return 0, dropped(reasonConflictingSub)
	}
	if err := d.requireTenant(ctx, tenantID); err != nil {
		return 0, err
	}
	return tenantID, nil
}

func (d *Dispatcher) requireTenant(ctx context.Context, tenantID snowflake.ID) error {
	tenant, err := d.tenantRepo.FindByID(ctx, d.db, tenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		return dropped(reasonUnknownTenant)
	}
	return nil
}

func (d *Dispatcher) resolvePlan(view *domain.SubscriptionView) subscriptiondomain.Plan {
	var hint string
	if view.Metadata != nil {
		hint = view.Metadata["plan"]
	}
	return subscriptiondomain.ResolvePlan(d.plans.Get(), hint, view.PriceID)
}

// snapshotError turns snapshot rejections into drops. Store errors pass through
// so the platform retries.
func snapshotError(err error) error {
	switch {
	case errors.Is(err, subscriptiondomain.ErrPlanUnresolved):
		return dropped(reasonPlanUnresolved)
	case errors.Is(err, subscriptiondomain.ErrLinkedToOtherTenant):
		return dropped(reasonLinkedElsewhere)
	case errors.Is(err, subscriptiondomain.ErrInvalidStatus),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, subscriptiondomain.ErrInvalidPeriod):
		return dropped(reasonInvalidSnapshot)
	}
	return err
}

func isPaymentValidation(err error) bool {
	return errors.Is(err, paymentdomain.ErrInvalidPaymentIntent) ||
		errors.Is(err, paymentdomain.ErrInvalidAmount) ||
		errors.Is(err, paymentdomain.ErrInvalidCurrency)
}

func paymentType(billingReason string) paymentdomain.Type {
	switch billingReason {
	case "manual":
		return paymentdomain.TypeInvoice
	default:
		return paymentdomain.TypeSubscription
	}
}

func tenantFromMetadata(metadata map[string]string) snowflake.ID {
	if metadata == nil {
		return 0
	}
	return parseTenantID(metadata["tenant_id"])
}

func parseTenantID(raw string) snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
