// Package domain defines the plan purchase and change flows.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
)

type ReturnURLs struct {
	SuccessURL string
	CancelURL  string
}

// Session is a hosted checkout page the tenant is redirected to.
type Session struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

type Service interface {
	// StartUpgrade opens a hosted checkout for a paid plan. Local state changes
	// only when the resulting webhook arrives.
	StartUpgrade(ctx context.Context, tenantID snowflake.ID, plan subscriptiondomain.Plan, urls ReturnURLs) (Session, error)
	// ChangePlan moves an existing subscription to plan. The free plan cancels
	// the platform subscription and downgrades locally.
	ChangePlan(ctx context.Context, tenantID snowflake.ID, plan subscriptiondomain.Plan, cancelAtPeriodEnd bool) (subscriptiondomain.Subscription, error)
	Cancel(ctx context.Context, tenantID snowflake.ID, atPeriodEnd bool) (subscriptiondomain.Subscription, error)
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidReturnURL     = errors.New("invalid_return_url")
	ErrFreePlanCheckout     = errors.New("free_plan_checkout")
	ErrPriceNotConfigured   = errors.New("price_not_configured")
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	// ErrSubscriptionExists rejects a second checkout; plan changes go through ChangePlan.
	ErrSubscriptionExists   = errors.New("subscription_exists")
)
