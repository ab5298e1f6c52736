// Package api serves the read side of the relay plus the send-message entry
// point. Identity comes from the authenticating gateway's header; message
// content is decrypted only after the caller's conversation participation
// has been verified.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/messaging"
)

// Store is the repository surface the API needs.
type Store interface {
	ListNotifications(ctx context.Context, userAddress string, limit, offset int) ([]*db.Notification, error)
	ListConversations(ctx context.Context, userAddress string, limit, offset int) ([]*db.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*db.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*db.Message, error)
	InsertOutboxRecord(ctx context.Context, eventType string, eventData []byte, platformID *string) (int64, error)
	RegisterDeviceToken(ctx context.Context, tok *db.DeviceToken) error
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*db.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, id uuid.UUID, eventType string) (int64, error)
	DiscardDeadLetter(ctx context.Context, id uuid.UUID) error
}

// NotificationService is the slice of the notification pipeline the API
// calls into for reads.
type NotificationService interface {
	MarkRead(ctx context.Context, id uuid.UUID, userAddress string) (bool, error)
	ReconcileCounters(ctx context.Context, userAddress string) error
}

// Counters reads the Redis unread counters.
type Counters interface {
	UnreadCount(ctx context.Context, userAddress string) (int64, error)
	UnreadCountForPlatform(ctx context.Context, userAddress, platformID string) (int64, error)
}

// Decrypter opens stored message content.
type Decrypter interface {
	DecryptForConversation(conversationID string, nonce, ciphertext []byte) ([]byte, error)
}

// ErrorResponse is the problem+json error shape.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Handler struct {
	store    Store
	notify   NotificationService
	counters Counters
	cipher   Decrypter
	logger   *zap.Logger
}

func NewHandler(store Store, notify NotificationService, counters Counters, cipher Decrypter, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		notify:   notify,
		counters: counters,
		cipher:   cipher,
		logger:   logger,
	}
}

// Routes mounts the authenticated v1 API.
func (h *Handler) Routes(r chi.Router) {
	r.Use(IdentityMiddleware)

	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/unread", h.UnreadCounts)
	r.Post("/notifications/{id}/read", h.MarkNotificationRead)
	r.Post("/notifications/unread/reconcile", h.ReconcileUnread)

	r.Get("/conversations", h.ListConversations)
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Post("/messages", h.SendMessage)

	r.Post("/devices", h.RegisterDevice)

	r.Get("/dlq", h.ListDeadLetters)
	r.Post("/dlq/{id}/retry", h.RetryDeadLetter)
	r.Post("/dlq/{id}/discard", h.DiscardDeadLetter)
}

// pagination parses limit/offset query params with bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}

// ListNotifications handles GET /v1/notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user := UserAddress(r.Context())
	limit, offset := pagination(r)

	notifications, err := h.store.ListNotifications(r.Context(), user, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if notifications == nil {
		notifications = []*db.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"limit":         limit,
		"offset":        offset,
	})
}

// UnreadCounts handles GET /v1/notifications/unread. The optional
// platform_id query param adds the platform-scoped count.
func (h *Handler) UnreadCounts(w http.ResponseWriter, r *http.Request) {
	user := UserAddress(r.Context())

	total, err := h.counters.UnreadCount(r.Context(), user)
	if err != nil {
		h.logger.Error("failed to read unread counter", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "counter_error", "Failed to read unread count", "")
		return
	}

	resp := map[string]interface{}{"total": total}

	if platformID := r.URL.Query().Get("platform_id"); platformID != "" {
		platformCount, err := h.counters.UnreadCountForPlatform(r.Context(), user, platformID)
		if err != nil {
			h.logger.Error("failed to read platform unread counter", zap.Error(err))
			writeProblem(w, http.StatusInternalServerError, "counter_error", "Failed to read unread count", "")
			return
		}
		resp["platform_id"] = platformID
		resp["platform_total"] = platformCount
	}

	writeJSON(w, http.StatusOK, resp)
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	transitioned, err := h.notify.MarkRead(r.Context(), id, UserAddress(r.Context()))
	if err != nil {
		h.logger.Error("failed to mark notification read", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}
	if !transitioned {
		writeProblem(w, http.StatusNotFound, "not_found", "Notification not found or already read", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

// ReconcileUnread handles POST /v1/notifications/unread/reconcile. It
// recomputes the caller's counters from the table.
func (h *Handler) ReconcileUnread(w http.ResponseWriter, r *http.Request) {
	if err := h.notify.ReconcileCounters(r.Context(), UserAddress(r.Context())); err != nil {
		h.logger.Error("failed to reconcile counters", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "counter_error", "Failed to reconcile counters", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"reconciled": true})
}

// ListConversations handles GET /v1/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user := UserAddress(r.Context())
	limit, offset := pagination(r)

	conversations, err := h.store.ListConversations(r.Context(), user, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to list conversations", "")
		return
	}
	if conversations == nil {
		conversations = []*db.Conversation{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": conversations,
		"limit":         limit,
		"offset":        offset,
	})
}

// messageView is a decrypted message as returned to a verified participant.
type messageView struct {
	ID                 string    `json:"id"`
	ConversationID     string    `json:"conversation_id"`
	Sender             string    `json:"sender_address"`
	Recipient          string    `json:"recipient_address"`
	Content            string    `json:"content,omitempty"`
	ContentUnavailable bool      `json:"content_unavailable,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ListMessages handles GET /v1/conversations/{id}/messages. Participation
// is checked before any ciphertext is touched; a caller outside the
// conversation gets 404 without learning whether it exists.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user := UserAddress(r.Context())
	conversationID := chi.URLParam(r, "id")
	limit, offset := pagination(r)

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "not_found", "Conversation not found", "")
		return
	}
	if conv.Participant1 != user && conv.Participant2 != user {
		writeProblem(w, http.StatusNotFound, "not_found", "Conversation not found", "")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), conversationID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	views := make([]messageView, 0, len(messages))
	for _, msg := range messages {
		view := messageView{
			ID:             msg.ID.String(),
			ConversationID: msg.ConversationID,
			Sender:         msg.Sender,
			Recipient:      msg.Recipient,
			CreatedAt:      msg.CreatedAt,
		}

		plaintext, err := h.cipher.DecryptForConversation(msg.ConversationID, msg.Nonce, msg.Ciphertext)
		if err != nil {
			// Tampered or unreadable content surfaces as unavailable, never
			// as partial plaintext.
			view.ContentUnavailable = true
			h.logger.Warn("message decryption failed",
				zap.String("message_id", msg.ID.String()),
				zap.Error(err),
			)
		} else {
			view.Content = string(plaintext)
		}

		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": views,
		"limit":    limit,
		"offset":   offset,
	})
}

// SendMessageRequest is the POST /v1/messages body.
type SendMessageRequest struct {
	Recipient string `json:"recipient_address"`
	Content   string `json:"content"`
}

// SendMessage handles POST /v1/messages. The message is written as an
// outbox row and takes the same CDC path as indexer events, so delivery
// semantics are identical for both sources.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender := UserAddress(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Recipient == "" || req.Content == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_address and content are required")
		return
	}
	if req.Recipient == sender {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid recipient", "cannot message yourself")
		return
	}

	payload, err := json.Marshal(map[string]string{
		"sender_address":    sender,
		"recipient_address": req.Recipient,
		"content":           req.Content,
	})
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "encoding_error", "Failed to encode message", "")
		return
	}

	outboxID, err := h.store.InsertOutboxRecord(r.Context(), "message.created", payload, nil)
	if err != nil {
		h.logger.Error("failed to enqueue message", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to enqueue message", "")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"outbox_id":       outboxID,
		"conversation_id": messaging.ConversationID(sender, req.Recipient),
	})
}

// RegisterDeviceRequest is the POST /v1/devices body.
type RegisterDeviceRequest struct {
	Token    string `json:"device_token"`
	Platform string `json:"platform"`
}

// RegisterDevice handles POST /v1/devices.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Token == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Missing device_token", "")
		return
	}
	if req.Platform != db.DevicePlatformIOS && req.Platform != db.DevicePlatformAndroid {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid platform", "platform must be ios or android")
		return
	}

	tok := &db.DeviceToken{
		UserAddress: UserAddress(r.Context()),
		Token:       req.Token,
		Platform:    req.Platform,
	}
	if err := h.store.RegisterDeviceToken(r.Context(), tok); err != nil {
		h.logger.Error("failed to register device token", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to register device", "")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": tok.ID})
}

// ListDeadLetters handles GET /v1/dlq.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	items, err := h.store.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to list dead letter queue", "")
		return
	}
	if items == nil {
		items = []*db.DeadLetter{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// RetryDeadLetterRequest is the POST /v1/dlq/{id}/retry body.
type RetryDeadLetterRequest struct {
	EventType string `json:"event_type"`
}

// RetryDeadLetter handles POST /v1/dlq/{id}/retry. The event re-enters
// through a fresh outbox row.
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	var req RetryDeadLetterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventType == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Missing event_type", "the retry needs the original event type")
		return
	}

	outboxID, err := h.store.RetryDeadLetter(r.Context(), id, req.EventType)
	if err != nil {
		h.logger.Error("failed to retry dead letter", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to retry dead letter item", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"outbox_id": outboxID})
}

// DiscardDeadLetter handles POST /v1/dlq/{id}/discard.
func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	if err := h.store.DiscardDeadLetter(r.Context(), id); err != nil {
		writeProblem(w, http.StatusNotFound, "not_found", "Dead letter item not found or already processed", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"discarded": true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
