package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/appleboy/go-fcm"

	"github.com/wavechat/msg-delivery-service/config"
)

// FCMSender wakes Android devices through Firebase Cloud Messaging.
type FCMSender struct {
	client *fcm.Client
	logger *slog.Logger
}

func NewFCMSender(cfg config.FCM, logger *slog.Logger) (*FCMSender, error) {
	client, err := fcm.NewClient(cfg.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("fcm: new client: %w", err)
	}
	return &FCMSender{client: client, logger: logger}, nil
}

func (s *FCMSender) Send(ctx context.Context, deviceToken string) (Outcome, error) {
	msg := &fcm.Message{
		To:       deviceToken,
		Priority: "high",
		Data: map[string]any{
			"notification": "",
		},
	}

	res, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return Transient, err
	}

	if len(res.Results) == 0 {
		return Transient, errors.New("fcm: empty result set")
	}

	result := res.Results[0]
	switch {
	case result.Error == nil:
		return Delivered, nil
	case errors.Is(result.Error, fcm.ErrNotRegistered),
		errors.Is(result.Error, fcm.ErrInvalidRegistration),
		errors.Is(result.Error, fcm.ErrMismatchSenderID):
		return InvalidToken, result.Error
	default:
		s.logger.Warn("fcm rejected notification", slog.Any("err", result.Error))
		return Transient, result.Error
	}
}
