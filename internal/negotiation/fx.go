package negotiation

import (
	"github.com/vendora-hq/vendora/internal/entityref"
	"github.com/vendora-hq/vendora/internal/negotiation/service"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("negotiation.service",
	fx.Provide(service.NewService),
	fx.Invoke(func(registry *entityref.Registry, db *gorm.DB) {
		service.RegisterLookups(registry, db)
	}),
)
