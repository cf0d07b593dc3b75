package service

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/internal/domain/registry"
	"github.com/wavechat/msg-delivery-service/internal/presence"
	"github.com/wavechat/msg-delivery-service/internal/push"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

var Module = fx.Module("service",
	fx.Provide(
		func(hub registry.Hubber, presence *presence.Manager, manager *storage.MessagesManager, cache *storage.MessagesCache, scheduler *push.FallbackScheduler, logger *slog.Logger) *MessageSender {
			return NewMessageSender(hub, presence, manager, cache, scheduler, logger)
		},
		NewReceiptSender,
		func(s *push.FallbackScheduler) PushScheduler { return s },
	),
)
