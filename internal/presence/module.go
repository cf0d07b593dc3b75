package presence

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
)

var Module = fx.Module("presence",
	fx.Provide(
		func(cluster *redisinfra.Cluster, cfg *config.Config, logger *slog.Logger) *Manager {
			return NewManager(cluster, cfg.ServerID, cfg.Presence, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				m.Start(context.Background())
				return nil
			},
			OnStop: func(ctx context.Context) error {
				m.Stop()
				return nil
			},
		})
	}),
)
