package cmd

import (
	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
	"github.com/wavechat/msg-delivery-service/infra/dynamo"
	pushinfra "github.com/wavechat/msg-delivery-service/infra/push"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	httpsrv "github.com/wavechat/msg-delivery-service/infra/server/http"
	"github.com/wavechat/msg-delivery-service/internal/domain/registry"
	"github.com/wavechat/msg-delivery-service/internal/presence"
	"github.com/wavechat/msg-delivery-service/internal/push"
	"github.com/wavechat/msg-delivery-service/internal/service"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),
		redisinfra.Module,
		dynamo.Module,
		pushinfra.Module,
		storage.Module,
		presence.Module,
		push.Module,
		registry.Module,
		service.Module,
		httpsrv.Module,
	)
}
