package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/wavechat/msg-delivery-service/config"
)

// APNSender wakes iOS devices through APNs over HTTP/2 with
// token-based provider auth.
type APNSender struct {
	client *apns2.Client
	topic  string
	logger *slog.Logger
}

func NewAPNSender(cfg config.APN, logger *slog.Logger) (*APNSender, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apn: load auth key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &APNSender{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

func (s *APNSender) Send(ctx context.Context, deviceToken string) (Outcome, error) {
	// Content-available wake: the client fetches its queue itself, no
	// visible alert payload crosses the provider.
	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       s.topic,
		Priority:    apns2.PriorityHigh,
		PushType:    apns2.PushTypeBackground,
		Payload:     payload.NewPayload().ContentAvailable(),
	}

	res, err := s.client.PushWithContext(ctx, n)
	if err != nil {
		return Transient, err
	}

	if res.Sent() {
		return Delivered, nil
	}

	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return InvalidToken, fmt.Errorf("apn: %s", res.Reason)
	}

	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		return Transient, fmt.Errorf("apn: %d %s", res.StatusCode, res.Reason)
	}

	s.logger.Warn("apn rejected notification",
		slog.Int("status", res.StatusCode),
		slog.String("reason", res.Reason),
	)
	return Transient, fmt.Errorf("apn: %d %s", res.StatusCode, res.Reason)
}
