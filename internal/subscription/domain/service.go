package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// ApplyResult reports the outcome of writing a platform snapshot.
type ApplyResult struct {
	Subscription Subscription
	// Applied is false when a newer snapshot had already been stored.
	Applied bool
	// Released is true when the write moved the tenant back to the free plan.
	Released bool
}

type Service interface {
	// GetOrCreate returns the tenant's record, creating the free record on first read.
	GetOrCreate(ctx context.Context, tenantID snowflake.ID) (Subscription, error)
	FindByTenant(ctx context.Context, tenantID snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, externalSubscriptionID string) (*Subscription, error)
	FindByExternalCustomerID(ctx context.Context, externalCustomerID string) (*Subscription, error)

	// ApplySnapshot upserts the tenant's record from a platform snapshot.
	ApplySnapshot(ctx context.Context, tenantID snowflake.ID, snapshot Snapshot) (ApplyResult, error)
	// ApplySnapshotByExternalID updates the record linked to snapshot.ExternalSubscriptionID.
	ApplySnapshotByExternalID(ctx context.Context, snapshot Snapshot) (ApplyResult, error)

	// Downgrade is the local half of downgrade-to-free. The caller cancels the
	// platform subscription first.
	Downgrade(ctx context.Context, tenantID snowflake.ID) (Subscription, error)
	// SetCustomerID persists the platform customer id, creating the record if absent.
	SetCustomerID(ctx context.Context, tenantID snowflake.ID, customerID string) (Subscription, error)
}

var (
	ErrInvalidTenant               = errors.New("invalid_tenant")
	ErrInvalidPlan                 = errors.New("invalid_plan")
	ErrInvalidStatus               = errors.New("invalid_status")
	ErrInvalidPeriod               = errors.New("invalid_period")
	ErrFreePlanWithExternalIDs     = errors.New("free_plan_with_external_ids")
	ErrPaidPlanWithoutSubscription = errors.New("paid_plan_without_subscription")
	ErrPlanUnresolved              = errors.New("plan_unresolved")
	ErrSubscriptionNotFound        = errors.New("subscription_not_found")
	ErrMissingExternalID           = errors.New("missing_external_subscription_id")
	// ErrLinkedToOtherTenant means the platform subscription already backs another tenant.
	ErrLinkedToOtherTenant         = errors.New("subscription_linked_to_other_tenant")
)
