package server

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/billingsync/internal/observability/context"
	"github.com/smallbiznis/billingsync/pkg/tenantctx"
)

const (
	HeaderTenant       = "X-Tenant-ID"
	contextTenantIDKey = "tenant_id"
)

// TenantRequired resolves the calling tenant from the X-Tenant-ID header.
func TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantctx.Parse(c.GetHeader(HeaderTenant))
		if !ok {
			AbortWithError(c, ErrTenantRequired)
			return
		}

		ctx := tenantctx.WithTenantID(c.Request.Context(), tenantID)
		ctx = obscontext.WithTenantID(ctx, tenantID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextTenantIDKey, tenantID.String())
		c.Next()
	}
}

func tenantIDFrom(c *gin.Context) (snowflake.ID, bool) {
	return tenantctx.TenantID(c.Request.Context())
}
