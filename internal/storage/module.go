package storage

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
)

var Module = fx.Module("storage",
	fx.Provide(
		func(cluster *redisinfra.Cluster, cfg *config.Config, logger *slog.Logger) *MessagesCache {
			return NewMessagesCache(cluster, cfg.Persist.Shards, logger)
		},
		func(client *dynamodb.Client, cfg *config.Config) *MessagesTable {
			return NewMessagesTable(client, cfg.Dynamo)
		},
		NewMessagesManager,
		func(cluster *redisinfra.Cluster, cache *MessagesCache, manager *MessagesManager, cfg *config.Config, logger *slog.Logger) *MessagePersister {
			return NewMessagePersister(cluster, cache, manager, cfg.Persist, logger)
		},
		fx.Annotate(
			NewMemoryAccounts,
			fx.As(new(AccountsManager)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, persister *MessagePersister) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				persister.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				persister.Stop()
				return nil
			},
		})
	}),
)
