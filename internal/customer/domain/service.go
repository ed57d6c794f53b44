// Package domain defines the mapping from a tenant to its platform customer.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Resolver interface {
	// Resolve returns the tenant's platform customer id, creating the customer
	// when none is stored or the stored one no longer exists upstream.
	Resolve(ctx context.Context, tenantID snowflake.ID) (string, error)
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrTenantNotFound = errors.New("tenant_not_found")
)
