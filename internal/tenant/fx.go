package tenant

import (
	"github.com/smallbiznis/billingsync/internal/tenant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.repository",
	fx.Provide(repository.Provide),
)
