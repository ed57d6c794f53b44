// Package domain defines pulling subscription state from the platform on demand.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
)

type Service interface {
	// Sync refreshes the tenant's record from the platform. It returns nil
	// without error when the tenant has no platform subscription.
	Sync(ctx context.Context, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error)
}
