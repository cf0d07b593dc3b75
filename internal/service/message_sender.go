// Package service holds the delivery policy: given a freshly accepted
// envelope, decide between the live socket, the cross-instance
// ephemeral channel, the durable queue, and the push fallback.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

const (
	// deliverTimeout bounds the wait for a saturated local session
	// mailbox before falling through to the durable path.
	deliverTimeout = 50 * time.Millisecond

	// fanOutLimit caps concurrent per-device sends of one submission.
	fanOutLimit = 8
)

// LocalDeliverer is the slice of the session hub the sender needs: a
// direct write into a socket held by this instance.
type LocalDeliverer interface {
	Deliver(key model.AccountDevice, env *model.Envelope, timeout time.Duration) bool
}

// Queuer is the durable slice of the messages manager the sender
// needs.
type Queuer interface {
	Insert(ctx context.Context, env *model.Envelope) error
}

// EphemeralPublisher pushes an online-only envelope to whatever
// instance holds the destination socket.
type EphemeralPublisher interface {
	PublishEphemeral(ctx context.Context, ad model.AccountDevice, env *model.Envelope) error
}

// PresenceResolver answers where, if anywhere, the destination device
// holds an open socket.
type PresenceResolver interface {
	Holder(ctx context.Context, ad model.AccountDevice) (string, error)
}

// PushScheduler wakes an absent device after a durable insert and
// stands down once the device acknowledges or reconnects.
type PushScheduler interface {
	Schedule(ctx context.Context, ad model.AccountDevice, notBefore time.Time) error
	Cancel(ctx context.Context, ad model.AccountDevice) error
}

// MessageSender routes one envelope to one destination device.
type MessageSender struct {
	hub       LocalDeliverer
	presence  PresenceResolver
	queue     Queuer
	ephemeral EphemeralPublisher
	scheduler PushScheduler
	logger    *slog.Logger

	now func() time.Time
}

func NewMessageSender(hub LocalDeliverer, presence PresenceResolver, queue Queuer, ephemeral EphemeralPublisher, scheduler PushScheduler, logger *slog.Logger) *MessageSender {
	return &MessageSender{
		hub:       hub,
		presence:  presence,
		queue:     queue,
		ephemeral: ephemeral,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}
}

// Send stamps and routes the envelope. Online-flagged envelopes never
// touch durable storage: they reach a connected device or vanish.
func (s *MessageSender) Send(ctx context.Context, account *model.Account, device model.Device, env *model.Envelope, online bool) error {
	if env.ServerTimestamp == 0 {
		env.ServerTimestamp = s.now().UnixMilli()
	}
	if env.Guid == uuid.Nil {
		env.Guid = uuid.New()
	}

	ad := model.AccountDevice{Account: account.UUID, Device: device.ID}

	if online {
		return s.sendOnline(ctx, ad, env)
	}
	return s.sendDurable(ctx, ad, device, env)
}

func (s *MessageSender) sendOnline(ctx context.Context, ad model.AccountDevice, env *model.Envelope) error {
	if s.hub.Deliver(ad, env, deliverTimeout) {
		return nil
	}

	holder, err := s.presence.Holder(ctx, ad)
	if err != nil {
		return fmt.Errorf("send online %s: %w", ad, err)
	}
	if holder == "" {
		// The destination is offline and the sender asked for
		// online-only delivery; the envelope is dropped by contract.
		s.logger.Debug("dropping online-only envelope for absent device",
			slog.String("queue", ad.String()))
		return nil
	}
	return s.ephemeral.PublishEphemeral(ctx, ad, env)
}

func (s *MessageSender) sendDurable(ctx context.Context, ad model.AccountDevice, device model.Device, env *model.Envelope) error {
	if err := s.queue.Insert(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", ad, err)
	}

	// The insert already published a "new" event; a connected device
	// flushes from its own listener. Push is only for absent devices
	// that cannot be long-polling.
	holder, err := s.presence.Holder(ctx, ad)
	if err != nil {
		s.logger.Warn("presence lookup failed after insert, scheduling push anyway",
			slog.String("queue", ad.String()), slog.Any("err", err))
		holder = ""
	}
	if holder != "" || device.FetchesMessages {
		return nil
	}
	if device.ApnID == "" && device.GcmID == "" {
		return nil
	}

	if err := s.scheduler.Schedule(ctx, ad, s.now()); err != nil {
		// The envelope is durably queued; a missed wake-up only delays
		// delivery until the next submission or client poll.
		s.logger.Warn("failed to schedule push fallback",
			slog.String("queue", ad.String()), slog.Any("err", err))
	}
	return nil
}

// DeviceMessage is one per-device ciphertext of a multi-device
// submission.
type DeviceMessage struct {
	DeviceID       uint32             `json:"destinationDeviceId"`
	RegistrationID uint32             `json:"destinationRegistrationId"`
	Type           model.EnvelopeType `json:"type"`
	Content        []byte             `json:"content"`
}

// SendToAccount validates the device set of a multi-device submission
// and fans the envelopes out. Validation failures reject the whole
// submission before any insert.
func (s *MessageSender) SendToAccount(ctx context.Context, destination *model.Account, source *model.AccountDevice, timestamp int64, messages []DeviceMessage, online bool) error {
	if err := validateDeviceSet(destination, source, messages); err != nil {
		return err
	}

	serverTimestamp := s.now().UnixMilli()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)

	for _, msg := range messages {
		device, ok := destination.GetDevice(msg.DeviceID)
		if !ok {
			continue
		}
		env := &model.Envelope{
			Guid:              uuid.New(),
			Type:              msg.Type,
			Timestamp:         timestamp,
			ServerTimestamp:   serverTimestamp,
			DestinationUUID:   destination.UUID,
			DestinationDevice: msg.DeviceID,
			Content:           msg.Content,
		}
		if source != nil {
			src := source.Account
			env.SourceUUID = &src
			env.SourceDevice = source.Device
		}
		g.Go(func() error {
			return s.Send(gCtx, destination, device, env, online)
		})
	}
	return g.Wait()
}

// validateDeviceSet enforces the exact-cover contract: the submission
// must address every enabled destination device (the sender's own
// device excepted on self-sends) and nothing else, with current
// registration ids.
func validateDeviceSet(destination *model.Account, source *model.AccountDevice, messages []DeviceMessage) error {
	addressed := make(map[uint32]DeviceMessage, len(messages))
	for _, msg := range messages {
		addressed[msg.DeviceID] = msg
	}

	var missing, extra, stale []uint32

	for _, device := range destination.Devices {
		if !device.Enabled {
			continue
		}
		if source != nil && source.Account == destination.UUID && device.ID == source.Device {
			continue
		}
		msg, ok := addressed[device.ID]
		if !ok {
			missing = append(missing, device.ID)
			continue
		}
		if msg.RegistrationID != 0 && msg.RegistrationID != device.RegistrationID {
			stale = append(stale, device.ID)
		}
	}

	for id := range addressed {
		device, ok := destination.GetDevice(id)
		if !ok || !device.Enabled {
			extra = append(extra, id)
		}
	}

	if len(missing) > 0 || len(extra) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
		return &model.MismatchedDevicesError{MissingDevices: missing, ExtraDevices: extra}
	}
	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		return &model.StaleDevicesError{StaleDevices: stale}
	}
	return nil
}
