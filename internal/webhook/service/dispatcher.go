package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	obscontext "github.com/smallbiznis/billingsync/internal/observability/context"
	obslogger "github.com/smallbiznis/billingsync/internal/observability/logger"
	"github.com/smallbiznis/billingsync/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/billingsync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/billingsync/internal/tenant/domain"
	"github.com/smallbiznis/billingsync/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Verifier      domain.Verifier
	Plans         *config.PlanCatalogHolder
	Subscriptions subscriptiondomain.Service
	Payments      paymentdomain.Service
	TenantRepo    tenantdomain.Repository
	Metrics       *metrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	verifier      domain.Verifier
	plans         *config.PlanCatalogHolder
	subscriptions subscriptiondomain.Service
	payments      paymentdomain.Service
	tenantRepo    tenantdomain.Repository
	metrics       *metrics.Metrics
}

func NewDispatcher(p Params) domain.Dispatcher {
	return &Dispatcher{
		db:            p.DB,
		log:           p.Log.Named("webhook.dispatcher"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		verifier:      p.Verifier,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		payments:      p.Payments,
		tenantRepo:    p.TenantRepo,
		metrics:       p.Metrics,
	}
}

// dropped marks an event that is acknowledged without touching local state.
type dropped string

func (d dropped) Error() string { return "event dropped: " + string(d) }

func (d *Dispatcher) Ingest(ctx context.Context, payload []byte, signatureHeader string) (domain.Result, error) {
	event, err := d.verifier.Verify(payload, signatureHeader)
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		d.metrics.RecordSignatureFailure(ctx, domain.ProviderStripe)
		d.log.Warn("webhook signature rejected",
			zap.String("category", "security"),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err),
		)
		return domain.Result{}, err
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrMissingObject):
		// The signature checked out, so the platform sent this body and a retry
		// would carry the same bytes.
		result := domain.Result{
			EventID:   event.ID,
			EventType: event.Type,
			Outcome:   domain.OutcomeDropped,
			Reason:    reasonUndecodable,
		}
		d.metrics.RecordDroppedEvent(ctx, string(event.Type), result.Reason)
		d.log.Warn("undecodable webhook dropped",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err),
		)
		return result, nil
	case err != nil:
		return domain.Result{}, err
	}

	ctx = obscontext.WithEventID(ctx, event.ID)
	result := domain.Result{EventID: event.ID, EventType: event.Type}
	log := obslogger.WithContext(ctx, d.log).With(zap.String("event_type", string(event.Type)))

	record, fresh, err := d.recordEvent(ctx, event, payload)
	if err != nil {
		return domain.Result{}, err
	}
	if !fresh && record.ProcessedAt != nil {
		result.Outcome = domain.OutcomeDuplicate
		d.metrics.RecordWebhookEvent(ctx, domain.ProviderStripe, string(event.Type), string(result.Outcome))
		log.Debug("duplicate webhook acknowledged")
		return result, nil
	}

	err = d.dispatch(ctx, event)
	var drop dropped
	switch {
	case err == nil && event.Kind == domain.KindUnknown:
		result.Outcome = domain.OutcomeIgnored
		log.Debug("unhandled webhook type ignored")
	case err == nil:
		result.Outcome = domain.OutcomeProcessed
	case errors.As(err, &drop):
		result.Outcome = domain.OutcomeDropped
		result.Reason = string(drop)
		d.metrics.RecordDroppedEvent(ctx, string(event.Type), result.Reason)
		log.Warn("webhook dropped", zap.String("reason", result.Reason))
	default:
		d.metrics.RecordWebhookEvent(ctx, domain.ProviderStripe, string(event.Type), "error")
		log.Error("webhook handler failed", zap.Error(err))
		return domain.Result{}, err
	}

	if err := d.repo.MarkProcessed(ctx, d.db, record.ID, string(result.Outcome), d.clock.Now()); err != nil {
		return domain.Result{}, err
	}
	d.metrics.RecordWebhookEvent(ctx, domain.ProviderStripe, string(event.Type), string(result.Outcome))
	if result.Outcome == domain.OutcomeProcessed {
		log.Info("webhook processed")
	}
	return result, nil
}

// recordEvent inserts the ledger row, or returns the existing one when the
// event was delivered before.
func (d *Dispatcher) recordEvent(ctx context.Context, event domain.Event, payload []byte) (*domain.EventRecord, bool, error) {
	record := &domain.EventRecord{
		ID:              d.genID.Generate(),
		Provider:        domain.ProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      d.clock.Now(),
	}
	inserted, err := d.repo.InsertEvent(ctx, d.db, record)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return record, true, nil
	}

	existing, err := d.repo.FindEvent(ctx, d.db, domain.ProviderStripe, event.ID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("webhook_event_missing")
	}
	return existing, false, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event domain.Event) error {
	switch event.Type {
	case domain.EventSubscriptionCreated:
		return d.handleSubscriptionCreated(ctx, event)
	case domain.EventSubscriptionUpdated:
		return d.handleSubscriptionUpdated(ctx, event)
	case domain.EventSubscriptionDeleted:
		return d.handleSubscriptionDeleted(ctx, event)
	case domain.EventInvoicePaymentSucceeded, domain.EventInvoicePaid, domain.EventInvoicePaymentFailed:
		return d.handleInvoice(ctx, event)
	case domain.EventChargeRefunded:
		return d.handleChargeRefunded(ctx, event)
	case domain.EventCheckoutSessionCompleted:
		return d.handleCheckoutCompleted(ctx, event)
	}
	return nil
}
