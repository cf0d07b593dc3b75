// Package http exposes the REST delivery surface: submission,
// long-poll style retrieval, and acknowledgement.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
	"github.com/wavechat/msg-delivery-service/internal/handler/auth"
	"github.com/wavechat/msg-delivery-service/internal/service"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

type MessagesHandler struct {
	accounts  storage.AccountsManager
	sender    *service.MessageSender
	receipts  *service.ReceiptSender
	manager   *storage.MessagesManager
	scheduler service.PushScheduler
	logger    *slog.Logger
}

func NewMessagesHandler(accounts storage.AccountsManager, sender *service.MessageSender, receipts *service.ReceiptSender, manager *storage.MessagesManager, scheduler service.PushScheduler, logger *slog.Logger) *MessagesHandler {
	return &MessagesHandler{
		accounts:  accounts,
		sender:    sender,
		receipts:  receipts,
		manager:   manager,
		scheduler: scheduler,
		logger:    logger,
	}
}

func (h *MessagesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Middleware)

	r.Put("/{destination}", h.send)
	r.Get("/", h.list)
	r.Delete("/{guid}", h.deleteByGuid)
	r.Delete("/{sender}/{timestamp}", h.deleteBySenderTimestamp)

	return r
}

type sendRequest struct {
	Timestamp int64                   `json:"timestamp"`
	Online    bool                    `json:"online"`
	Messages  []service.DeviceMessage `json:"messages"`
}

type listResponse struct {
	Messages []*model.Envelope `json:"messages"`
	More     bool              `json:"hasMore"`
}

func (h *MessagesHandler) send(w http.ResponseWriter, r *http.Request) {
	source, _ := auth.Identity(r.Context())

	destination, err := uuid.Parse(chi.URLParam(r, "destination"))
	if err != nil {
		http.Error(w, "bad destination", http.StatusBadRequest)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	account, err := h.accounts.GetByUUID(r.Context(), destination)
	if errors.Is(err, storage.ErrAccountNotFound) {
		http.Error(w, "destination not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, "account lookup failed", err)
		return
	}

	err = h.sender.SendToAccount(r.Context(), account, &source, req.Timestamp, req.Messages, req.Online)
	var mismatched *model.MismatchedDevicesError
	var stale *model.StaleDevicesError
	switch {
	case errors.As(err, &mismatched):
		writeJSON(w, http.StatusConflict, mismatched)
	case errors.As(err, &stale):
		writeJSON(w, http.StatusGone, stale)
	case err != nil:
		h.serverError(w, "send failed", err)
	default:
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (h *MessagesHandler) list(w http.ResponseWriter, r *http.Request) {
	ad, _ := auth.Identity(r.Context())

	envelopes, more, err := h.manager.GetMessagesForDevice(r.Context(), ad, false)
	if err != nil {
		h.serverError(w, "list failed", err)
		return
	}
	if envelopes == nil {
		envelopes = []*model.Envelope{}
	}
	writeJSON(w, http.StatusOK, listResponse{Messages: envelopes, More: more})
}

func (h *MessagesHandler) deleteByGuid(w http.ResponseWriter, r *http.Request) {
	ad, _ := auth.Identity(r.Context())

	guid, err := uuid.Parse(chi.URLParam(r, "guid"))
	if err != nil {
		http.Error(w, "bad guid", http.StatusBadRequest)
		return
	}

	removed, err := h.manager.Delete(r.Context(), ad, guid)
	if err != nil {
		h.serverError(w, "delete failed", err)
		return
	}
	h.acknowledge(r, ad, removed)
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessagesHandler) deleteBySenderTimestamp(w http.ResponseWriter, r *http.Request) {
	ad, _ := auth.Identity(r.Context())

	sender, err := uuid.Parse(chi.URLParam(r, "sender"))
	if err != nil {
		http.Error(w, "bad sender", http.StatusBadRequest)
		return
	}
	timestamp, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
	if err != nil {
		http.Error(w, "bad timestamp", http.StatusBadRequest)
		return
	}

	removed, err := h.manager.DeleteBySenderAndTimestamp(r.Context(), ad, sender, timestamp)
	if err != nil {
		h.serverError(w, "delete failed", err)
		return
	}
	h.acknowledge(r, ad, removed)
	w.WriteHeader(http.StatusNoContent)
}

// acknowledge runs the post-removal bookkeeping: stop waking the
// device and tell the original sender the message landed. Receipts
// never generate receipts.
func (h *MessagesHandler) acknowledge(r *http.Request, ad model.AccountDevice, removed *model.Envelope) {
	if err := h.scheduler.Cancel(r.Context(), ad); err != nil {
		h.logger.Warn("failed to cancel push schedule on ack", slog.Any("err", err))
	}
	if removed == nil || removed.SourceUUID == nil || removed.Type == model.Receipt {
		return
	}
	if err := h.receipts.SendDeliveryReceipt(r.Context(), ad.Account, *removed.SourceUUID, removed.Timestamp); err != nil {
		h.logger.Warn("failed to send delivery receipt",
			slog.String("queue", ad.String()), slog.Any("err", err))
	}
}

func (h *MessagesHandler) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.Any("err", err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
