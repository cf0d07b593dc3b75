package push

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
	pushinfra "github.com/wavechat/msg-delivery-service/infra/push"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	"github.com/wavechat/msg-delivery-service/internal/presence"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

var Module = fx.Module("push",
	fx.Provide(
		func(cluster *redisinfra.Cluster, providers pushinfra.Providers, accounts storage.AccountsManager, presence *presence.Manager, cfg *config.Config, logger *slog.Logger) *FallbackScheduler {
			return NewFallbackScheduler(cluster, providers, accounts, presence, cfg.Push, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *FallbackScheduler) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
