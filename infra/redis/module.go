package redis

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
)

var Module = fx.Module("redis",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Cluster {
			return NewCluster("messages", cfg.Cache, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, c *Cluster) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return c.Close()
			},
		})
	}),
)
