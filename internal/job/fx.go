package job

import (
	"github.com/vendora-hq/vendora/internal/job/service"
	"go.uber.org/fx"
)

var Module = fx.Module("job.service",
	fx.Provide(service.NewService),
)
