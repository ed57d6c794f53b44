// Package domain contains the subscription record mirrored from the payment platform.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Plan identifies the tenant's purchased tier.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanTier1 Plan = "tier1"
	PlanTier2 Plan = "tier2"
	PlanTier3 Plan = "tier3"
)

func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanTier1, PlanTier2, PlanTier3:
		return true
	}
	return false
}

// Paid reports whether the plan is backed by a platform subscription.
func (p Plan) Paid() bool {
	return p.Valid() && p != PlanFree
}

// PriceLookup resolves a platform price id to a plan identifier.
type PriceLookup interface {
	PlanFor(priceID string) (string, bool)
}

// ResolvePlan returns hint when it names a paid plan, otherwise the plan the
// price maps to. Empty means unresolved.
func ResolvePlan(prices PriceLookup, hint, priceID string) Plan {
	if p := Plan(strings.ToLower(strings.TrimSpace(hint))); p.Paid() {
		return p
	}
	if prices == nil {
		return ""
	}
	if name, ok := prices.PlanFor(priceID); ok {
		if p := Plan(name); p.Paid() {
			return p
		}
	}
	return ""
}

// Status mirrors the platform's subscription status vocabulary.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceled, StatusUnpaid, StatusPaused:
		return true
	}
	return false
}

// Terminal reports whether the status ends the platform subscription.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Subscription is the single per-tenant record of billing state.
type Subscription struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID               snowflake.ID `gorm:"not null;uniqueIndex:ux_subscriptions_tenant_id" json:"tenant_id"`
	ExternalCustomerID     string       `gorm:"type:text;not null;default:'';index:idx_subscriptions_external_customer_id" json:"external_customer_id"`
	ExternalSubscriptionID *string      `gorm:"type:text;uniqueIndex:ux_subscriptions_external_subscription_id" json:"external_subscription_id"`
	ExternalPriceID        *string      `gorm:"type:text" json:"external_price_id"`
	Plan                   Plan         `gorm:"type:text;not null" json:"plan"`
	Status                 Status       `gorm:"type:text;not null" json:"status"`
	CurrentPeriodStart     *time.Time   `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time   `json:"current_period_end"`
	CancelAtPeriodEnd      bool         `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time   `json:"canceled_at"`
	TrialStart             *time.Time   `json:"trial_start"`
	TrialEnd               *time.Time   `json:"trial_end"`
	SnapshotAt             *time.Time   `json:"-"`
	CreatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Validate enforces the record invariants: a free record carries no external
// subscription or price id, and set period bounds are ordered.
func (s Subscription) Validate() error {
	if !s.Plan.Valid() {
		return ErrInvalidPlan
	}
	if !s.Status.Valid() {
		return ErrInvalidStatus
	}
	if s.Plan == PlanFree && (nonEmpty(s.ExternalSubscriptionID) || nonEmpty(s.ExternalPriceID)) {
		return ErrFreePlanWithExternalIDs
	}
	if s.Plan.Paid() && !nonEmpty(s.ExternalSubscriptionID) {
		return ErrPaidPlanWithoutSubscription
	}
	if s.CurrentPeriodStart != nil && s.CurrentPeriodEnd != nil && !s.CurrentPeriodStart.Before(*s.CurrentPeriodEnd) {
		return ErrInvalidPeriod
	}
	return nil
}

// HasExternalSubscription reports whether the record is linked to a platform subscription.
func (s Subscription) HasExternalSubscription() bool {
	return nonEmpty(s.ExternalSubscriptionID)
}

// NewFree returns the initial record every tenant starts with.
func NewFree(id, tenantID snowflake.ID, now time.Time) Subscription {
	return Subscription{
		ID:        id,
		TenantID:  tenantID,
		Plan:      PlanFree,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func nonEmpty(v *string) bool {
	return v != nil && *v != ""
}
