// Package ws runs the long-lived delivery socket: attach, drain the
// queue, stream arrivals, and take acknowledgements.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wavechat/msg-delivery-service/internal/domain/event"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
	"github.com/wavechat/msg-delivery-service/internal/domain/registry"
	"github.com/wavechat/msg-delivery-service/internal/handler/auth"
	"github.com/wavechat/msg-delivery-service/internal/presence"
	"github.com/wavechat/msg-delivery-service/internal/service"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

const (
	// CloseReplaced tells a client its device attached elsewhere.
	CloseReplaced = 4409

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	mailboxSize = 256
)

// Frame is the socket wire format, both directions.
type Frame struct {
	Type     string          `json:"type"`
	Envelope *model.Envelope `json:"envelope,omitempty"`
	Guid     uuid.UUID       `json:"guid,omitempty"`
}

const (
	frameMessage    = "message"
	frameQueueEmpty = "queue_empty"
	frameAck        = "ack"
)

type WSHandler struct {
	manager   *storage.MessagesManager
	receipts  *service.ReceiptSender
	hub       registry.Hubber
	presence  *presence.Manager
	scheduler service.PushScheduler
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewWSHandler(manager *storage.MessagesManager, receipts *service.ReceiptSender, hub registry.Hubber, presence *presence.Manager, scheduler service.PushScheduler, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		manager:   manager,
		receipts:  receipts,
		hub:       hub,
		presence:  presence,
		scheduler: scheduler,
		upgrader: websocket.Upgrader{
			// Clients authenticate via headers, not origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ad, ok := auth.FromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", slog.Any("err", err))
		return
	}

	s := &session{
		handler: h,
		ad:      ad,
		ws:      ws,
		logger:  h.logger.With(slog.String("queue", ad.String())),
	}
	s.run(r.Context())
}

// session is the per-socket state machine. One goroutine reads client
// frames, the other owns all writes.
type session struct {
	handler *WSHandler
	ad      model.AccountDevice
	ws      *websocket.Conn
	logger  *slog.Logger

	conn registry.Connector

	// flushCh is a level-triggered wake for the write loop.
	flushCh chan struct{}

	closeOnce sync.Once
}

func (s *session) run(reqCtx context.Context) {
	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()

	h := s.handler
	s.flushCh = make(chan struct{}, 1)

	// Queue events must be flowing before the initial drain so an
	// insert racing the attach cannot be missed.
	events, cancelListener, err := h.manager.AddMessageAvailabilityListener(ctx, s.ad)
	if err != nil {
		s.logger.Warn("availability listener rejected", slog.Any("err", err))
		s.ws.Close()
		return
	}
	defer cancelListener()

	s.conn = registry.NewConnector(ctx, s.ad, mailboxSize)
	if displaced := h.hub.Register(s.conn); displaced != nil {
		displaced.Close()
	}
	defer h.hub.Unregister(s.ad, s.conn.GetID())

	reg, err := h.presence.SetPresent(ctx, s.ad, func() {
		s.close(CloseReplaced, "replaced by new connection")
		cancel()
	})
	if err != nil {
		s.logger.Warn("presence registration failed", slog.Any("err", err))
	}
	defer func() {
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer clearCancel()
		if err := h.presence.ClearPresence(clearCtx, reg); err != nil {
			s.logger.Warn("presence clear failed", slog.Any("err", err))
		}
		if err := h.scheduler.Cancel(clearCtx, s.ad); err != nil {
			s.logger.Warn("failed to cancel push schedule on disconnect", slog.Any("err", err))
		}
	}()

	// The socket is the wake-up now.
	if err := h.scheduler.Cancel(ctx, s.ad); err != nil {
		s.logger.Warn("failed to cancel push schedule on attach", slog.Any("err", err))
	}

	go s.readLoop(ctx, cancel)
	s.writeLoop(ctx, events)
}

// readLoop consumes client frames until the socket drops. Only acks
// are expected; anything else is ignored.
func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := s.ws.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != frameAck || frame.Guid == uuid.Nil {
			continue
		}
		s.handleAck(ctx, frame.Guid)
	}
}

func (s *session) handleAck(ctx context.Context, guid uuid.UUID) {
	h := s.handler

	removed, err := h.manager.Delete(ctx, s.ad, guid)
	if err != nil {
		s.logger.Warn("ack delete failed",
			slog.String("guid", guid.String()), slog.Any("err", err))
		return
	}
	if removed == nil || removed.SourceUUID == nil || removed.Type == model.Receipt {
		return
	}
	if err := h.receipts.SendDeliveryReceipt(ctx, s.ad.Account, *removed.SourceUUID, removed.Timestamp); err != nil {
		s.logger.Warn("failed to send delivery receipt", slog.Any("err", err))
	}
}

// writeLoop owns the socket's write side: initial drain, event-driven
// re-drains, direct local deliveries, and keepalive pings.
func (s *session) writeLoop(ctx context.Context, events <-chan event.Event) {
	defer s.close(websocket.CloseNormalClosure, "")

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	// Capture once: the connector is pooled and must not be re-read
	// after Close recycles it.
	recv := s.conn.Recv()

	if !s.flush(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case event.NewMessages, event.MessagesPersisted:
				if !s.flush(ctx) {
					return
				}
			case event.NewEphemeral:
				env, err := model.UnmarshalEnvelope(ev.Payload)
				if err != nil {
					s.logger.Error("dropping corrupt ephemeral envelope", slog.Any("err", err))
					continue
				}
				if !s.writeFrame(Frame{Type: frameMessage, Envelope: env}) {
					return
				}
			}

		case env, ok := <-recv:
			if !ok {
				// The connector died under us: a newer local session
				// displaced this one.
				s.close(CloseReplaced, "replaced by new connection")
				return
			}
			if !s.writeFrame(Frame{Type: frameMessage, Envelope: env}) {
				return
			}

		case <-ping.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush streams the pending queue, then the queue-empty marker. Unacked
// envelopes stay queued; re-flushes resend them until the client acks.
func (s *session) flush(ctx context.Context) bool {
	envelopes, more, err := s.handler.manager.GetMessagesForDevice(ctx, s.ad, false)
	if err != nil {
		s.logger.Warn("queue flush failed", slog.Any("err", err))
		return false
	}
	for _, env := range envelopes {
		if !s.writeFrame(Frame{Type: frameMessage, Envelope: env}) {
			return false
		}
	}
	if more {
		// The page is capped; acks shrink the queue and the next wake
		// resumes the drain. No empty marker until it really is empty.
		return true
	}
	return s.writeFrame(Frame{Type: frameQueueEmpty})
}

func (s *session) writeFrame(frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame marshal failed", slog.Any("err", err))
		return false
	}
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// close sends the close frame at most once and tears the socket down.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		s.ws.Close()
	})
}
