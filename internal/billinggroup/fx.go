package billinggroup

import (
	"github.com/smallbiznis/railtab/internal/billinggroup/repository"
	"github.com/smallbiznis/railtab/internal/billinggroup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billinggroup.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewAllocationService),
	fx.Provide(service.NewDeletionService),
)
