package storage

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/internal/domain/event"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

// ResultLimit bounds one merged read of a device queue.
const ResultLimit = 10_000

// MessagesManager presents one unified per-device queue over the
// cache and the durable table: inserts go to the cache, reads merge
// cache-then-table, deletes try both.
type MessagesManager struct {
	cache  *MessagesCache
	table  *MessagesTable
	logger *slog.Logger
}

func NewMessagesManager(cache *MessagesCache, table *MessagesTable, logger *slog.Logger) *MessagesManager {
	return &MessagesManager{
		cache:  cache,
		table:  table,
		logger: logger,
	}
}

func (m *MessagesManager) Insert(ctx context.Context, env *model.Envelope) error {
	_, err := m.cache.Insert(ctx, env)
	return err
}

// GetMessagesForDevice returns up to ResultLimit envelopes in
// server-timestamp order: the cache slice first, then durable rows
// filtered against every GUID seen in the cache so no envelope is
// reported twice. more hints that the device should poll again.
func (m *MessagesManager) GetMessagesForDevice(ctx context.Context, ad model.AccountDevice, cachedOnly bool) (envelopes []*model.Envelope, more bool, err error) {
	cached, err := m.cache.GetAllAfter(ctx, ad, 0, ResultLimit)
	if err != nil {
		return nil, false, err
	}

	seen := make(map[uuid.UUID]struct{}, len(cached))
	for _, msg := range cached {
		// Duplicate GUIDs can exist in the ordered queue after an
		// index overwrite; surface each GUID exactly once.
		if _, dup := seen[msg.Envelope.Guid]; dup {
			continue
		}
		seen[msg.Envelope.Guid] = struct{}{}
		envelopes = append(envelopes, msg.Envelope)
	}

	if cachedOnly || len(envelopes) >= ResultLimit {
		return envelopes, len(envelopes) >= ResultLimit, nil
	}

	stored, err := m.table.Load(ctx, ad, ResultLimit-len(envelopes))
	if err != nil {
		return nil, false, err
	}
	for _, env := range stored {
		if _, dup := seen[env.Guid]; dup {
			continue
		}
		envelopes = append(envelopes, env)
	}

	return envelopes, len(envelopes) >= ResultLimit, nil
}

// Delete acknowledges one envelope by GUID: cache first, durable
// table when the cache misses. Returns the removed envelope if any.
func (m *MessagesManager) Delete(ctx context.Context, ad model.AccountDevice, guid uuid.UUID) (*model.Envelope, error) {
	removed, err := m.cache.RemoveByGuid(ctx, ad, guid)
	if err != nil {
		return nil, err
	}
	if removed != nil {
		return removed, nil
	}
	return m.table.DeleteByGuid(ctx, ad.Account, guid)
}

// DeleteBySenderAndTimestamp is the legacy acknowledgement path keyed
// on (sender, client timestamp).
func (m *MessagesManager) DeleteBySenderAndTimestamp(ctx context.Context, ad model.AccountDevice, sender uuid.UUID, timestamp int64) (*model.Envelope, error) {
	removed, truncated, err := m.cache.RemoveBySenderAndTimestamp(ctx, ad, sender, timestamp)
	if err != nil {
		return nil, err
	}
	if truncated {
		m.logger.Warn("sender-timestamp removal scan truncated",
			slog.String("queue", ad.String()))
	}
	if removed != nil {
		return removed, nil
	}
	return m.table.DeleteBySenderAndTimestamp(ctx, ad, sender, timestamp)
}

// Clear drops every pending message for the device from both tiers.
func (m *MessagesManager) Clear(ctx context.Context, ad model.AccountDevice) error {
	if err := m.cache.Clear(ctx, ad); err != nil {
		return err
	}
	return m.table.DeleteAllForDevice(ctx, ad)
}

// ClearAccount drops every device queue of the account.
func (m *MessagesManager) ClearAccount(ctx context.Context, account *model.Account) error {
	for _, device := range account.Devices {
		ad := model.AccountDevice{Account: account.UUID, Device: device.ID}
		if err := m.Clear(ctx, ad); err != nil {
			return err
		}
	}
	return nil
}

// AddMessageAvailabilityListener opens the per-queue event channel.
// At most one listener per (account, device) per process.
func (m *MessagesManager) AddMessageAvailabilityListener(ctx context.Context, ad model.AccountDevice) (<-chan event.Event, func(), error) {
	return m.cache.Subscribe(ctx, ad)
}

// Persist writes a page durably and then trims it from the cache; the
// write-before-trim order is what keeps a crash from losing
// envelopes.
func (m *MessagesManager) Persist(ctx context.Context, ad model.AccountDevice, page []CachedMessage) error {
	if len(page) == 0 {
		return nil
	}

	envelopes := make([]*model.Envelope, len(page))
	for i, msg := range page {
		envelopes[i] = msg.Envelope
	}

	if err := m.table.Store(ctx, envelopes); err != nil {
		return err
	}

	if _, err := m.cache.DrainAndTrim(ctx, ad, page[len(page)-1].ID); err != nil {
		return err
	}
	return nil
}
