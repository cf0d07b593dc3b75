package registry

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		NewHub,
		func(h *Hub) Hubber { return h },
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown()
				return nil
			},
		})
	}),
)
