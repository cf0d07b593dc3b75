package push

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
)

// Providers bundles the configured platform transports. A disabled
// provider is nil; the scheduler skips tokens it cannot route.
type Providers struct {
	APN Sender
	FCM Sender
}

var Module = fx.Module("push-transport",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (Providers, error) {
			var p Providers

			if cfg.Push.APN.Enabled {
				apn, err := NewAPNSender(cfg.Push.APN, logger)
				if err != nil {
					return p, err
				}
				p.APN = apn
			}

			if cfg.Push.FCM.Enabled {
				fcmSender, err := NewFCMSender(cfg.Push.FCM, logger)
				if err != nil {
					return p, err
				}
				p.FCM = fcmSender
			}

			return p, nil
		},
	),
)
