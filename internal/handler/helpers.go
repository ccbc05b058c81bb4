package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/repository"
	"github.com/convsync/internal/ws"
)

// Store is satisfied by *repository.Store and the in-memory store.
type Store interface {
	ws.Store
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	Page(ctx context.Context, conversationID string, skip, limit int) ([]model.Message, bool, error)
	ListPreviews(ctx context.Context, userID string) ([]model.ConversationPreview, error)
	GetPreview(ctx context.Context, conversationID, userID string) (*model.ConversationPreview, error)
	GetOrCreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error)
	CreateGroup(ctx context.Context, title, createdBy string, participantIDs []string) (*model.Conversation, error)
}

// Publisher pushes REST-originated changes to connected clients. *ws.Hub implements it.
type Publisher interface {
	PublishNewMessage(ctx context.Context, m model.Message, created bool)
	PublishRead(conversationID, userID string, at time.Time)
	PublishMembership(conv model.Conversation, joined []string)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps repository sentinels to HTTP statuses and logs anything else.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		logger.Errorf("%s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
