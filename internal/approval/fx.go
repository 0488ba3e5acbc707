package approval

import "go.uber.org/fx"

var Module = fx.Module("approval.gate",
	fx.Provide(NewGate),
)
