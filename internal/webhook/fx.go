package webhook

import (
	stripeprovider "github.com/smallbiznis/billingsync/internal/providers/stripe"
	"github.com/smallbiznis/billingsync/internal/webhook/domain"
	"github.com/smallbiznis/billingsync/internal/webhook/repository"
	"github.com/smallbiznis/billingsync/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.dispatcher",
	fx.Provide(repository.Provide),
	fx.Provide(func(v *stripeprovider.Verifier) domain.Verifier { return v }),
	fx.Provide(service.NewDispatcher),
)
