package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/metrics"
	"github.com/convsync/internal/middleware"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type MessageHandler struct {
	store     Store
	hub       Publisher
	limiter   storage.RateLimiter
	sendLimit int
	now       func() time.Time
}

// NewMessageHandler: sendLimit: сообщений в минуту на отправителя, 0 отключает лимит.
func NewMessageHandler(store Store, hub Publisher, limiter storage.RateLimiter, sendLimit int) *MessageHandler {
	return &MessageHandler{
		store:     store,
		hub:       hub,
		limiter:   limiter,
		sendLimit: sendLimit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateMessageRequest struct {
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Body           string          `json:"body"`
	CorrelationID  string          `json:"correlation_id"`
	ReplyTo        *model.ReplyRef `json:"reply_to,omitempty"`
}

type MarkReadRequest struct {
	UserID string `json:"user_id"`
}

type MarkReadResponse struct {
	Status string    `json:"status"`
	ReadAt time.Time `json:"read_at"`
}

// GetMessages returns one page of history, oldest first. skip counts from the newest message.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeStoreError(w, "GetMessages", err)
		return
	}
	if !conv.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	skip := queryInt(r, "skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	messages, hasMore, err := h.store.Page(r.Context(), conversationID, skip, limit)
	if err != nil {
		writeStoreError(w, "GetMessages", err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, model.MessagePage{Messages: messages, HasMore: hasMore})
}

// CreateMessage persists a message idempotently on (sender, correlation id): 201 when new,
// 200 with the stored message when the correlation id was seen before.
func (h *MessageHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.CreateMessage", time.Now())()
	var req CreateMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if req.SenderID == "" {
		req.SenderID = userID
	}
	if req.SenderID != userID {
		writeError(w, http.StatusForbidden, "sender_id does not match caller")
		return
	}
	if req.ConversationID == "" || req.CorrelationID == "" || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id, correlation_id and body are required")
		return
	}

	if h.limiter != nil && h.sendLimit > 0 {
		ok, err := h.limiter.Allow(r.Context(), "send:"+userID, h.sendLimit, time.Minute)
		if err != nil {
			// Лимитер недоступен: не блокируем отправку.
			logger.Warnf("send limiter user=%s: %v", userID, err)
		} else if !ok {
			metrics.RateLimitHits.WithLabelValues("send").Inc()
			writeError(w, http.StatusTooManyRequests, "too many messages")
			return
		}
	}

	isMember, err := h.store.IsMember(r.Context(), req.ConversationID, userID)
	if err != nil {
		writeStoreError(w, "CreateMessage", err)
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	saved, created, err := h.store.CreateMessage(r.Context(), model.Message{
		CorrelationID:  req.CorrelationID,
		ConversationID: req.ConversationID,
		SenderID:       userID,
		Body:           req.Body,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		writeStoreError(w, "CreateMessage", err)
		return
	}
	h.hub.PublishNewMessage(r.Context(), *saved, created)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

// MarkRead advances the caller's read watermark to now. The watermark never moves back.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	var req MarkReadRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, http.StatusForbidden, "user_id does not match caller")
		return
	}

	readAt, err := h.store.MarkRead(r.Context(), conversationID, userID, h.now())
	if err != nil {
		writeStoreError(w, "MarkRead", err)
		return
	}
	h.hub.PublishRead(conversationID, userID, readAt)
	writeJSON(w, http.StatusOK, MarkReadResponse{Status: "ok", ReadAt: readAt})
}
