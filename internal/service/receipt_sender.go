package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

// ReceiptSender tells an original sender that one of its messages
// reached the recipient. Receipts ride the same pipeline as ordinary
// envelopes, fanned out to every enabled device of the sender.
type ReceiptSender struct {
	accounts storage.AccountsManager
	sender   *MessageSender
	logger   *slog.Logger
}

func NewReceiptSender(accounts storage.AccountsManager, sender *MessageSender, logger *slog.Logger) *ReceiptSender {
	return &ReceiptSender{
		accounts: accounts,
		sender:   sender,
		logger:   logger,
	}
}

// SendDeliveryReceipt delivers a server receipt for the message the
// recipient just acknowledged. timestamp is the original client
// timestamp the sender correlates on.
func (r *ReceiptSender) SendDeliveryReceipt(ctx context.Context, recipient uuid.UUID, originalSender uuid.UUID, timestamp int64) error {
	account, err := r.accounts.GetByUUID(ctx, originalSender)
	if err != nil {
		return fmt.Errorf("receipt to %s: %w", originalSender, err)
	}

	for _, device := range account.Devices {
		if !device.Enabled {
			continue
		}
		env := &model.Envelope{
			Guid:              uuid.New(),
			Type:              model.Receipt,
			Timestamp:         timestamp,
			SourceUUID:        &recipient,
			DestinationUUID:   account.UUID,
			DestinationDevice: device.ID,
		}
		if err := r.sender.Send(ctx, account, device, env, false); err != nil {
			// Receipts are best-effort; one failed device must not
			// block the acknowledgement path.
			r.logger.Warn("failed to deliver receipt",
				slog.String("queue", model.AccountDevice{Account: account.UUID, Device: device.ID}.String()),
				slog.Any("err", err))
		}
	}
	return nil
}
