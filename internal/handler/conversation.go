package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/convsync/internal/middleware"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/repository"
)

type ConversationHandler struct {
	store Store
	hub   Publisher
}

func NewConversationHandler(store Store, hub Publisher) *ConversationHandler {
	return &ConversationHandler{store: store, hub: hub}
}

type DirectConversationRequest struct {
	UserAID      string            `json:"user_a_id"`
	UserBID      string            `json:"user_b_id"`
	DisplayNames map[string]string `json:"display_names,omitempty"`
	Avatars      map[string]string `json:"avatars,omitempty"`
}

type GroupConversationRequest struct {
	Title          string            `json:"title"`
	ParticipantIDs []string          `json:"participant_ids"`
	DisplayNames   map[string]string `json:"display_names,omitempty"`
}

// ListConversations returns the caller's conversation list, most recent activity first.
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if chi.URLParam(r, "id") != userID {
		writeError(w, http.StatusForbidden, "can only list own conversations")
		return
	}
	previews, err := h.store.ListPreviews(r.Context(), userID)
	if err != nil {
		writeStoreError(w, "ListConversations", err)
		return
	}
	if previews == nil {
		previews = []model.ConversationPreview{}
	}
	writeJSON(w, http.StatusOK, previews)
}

// GetPreview returns one row of the caller's list; 404 when the caller is not a member.
func (h *ConversationHandler) GetPreview(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPreview(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, "GetPreview", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ConversationHandler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	var req DirectConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserAID, req.UserBID = strings.TrimSpace(req.UserAID), strings.TrimSpace(req.UserBID)
	if req.UserAID == "" || req.UserBID == "" {
		writeError(w, http.StatusBadRequest, "user_a_id and user_b_id are required")
		return
	}
	if req.UserAID == req.UserBID {
		writeError(w, http.StatusBadRequest, "cannot create conversation with yourself")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if userID != req.UserAID && userID != req.UserBID {
		writeError(w, http.StatusForbidden, "caller must be a participant")
		return
	}

	for _, id := range []string{req.UserAID, req.UserBID} {
		if err := h.ensureUser(r.Context(), id, req.DisplayNames[id], req.Avatars[id]); err != nil {
			writeUserError(w, "CreateDirect", id, err)
			return
		}
	}

	conv, created, err := h.store.GetOrCreateDirect(r.Context(), req.UserAID, req.UserBID)
	if err != nil {
		writeStoreError(w, "CreateDirect", err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, conv)
		return
	}
	h.hub.PublishMembership(*conv, conv.ParticipantIDs)
	writeJSON(w, http.StatusCreated, conv)
}

// CreateGroup creates a group conversation; the caller is always a member.
func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	userID := middleware.GetUserID(r.Context())

	seen := map[string]bool{userID: true}
	participants := make([]string, 0, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, id)
	}
	if len(participants) == 0 {
		writeError(w, http.StatusBadRequest, "participant_ids must name someone besides the caller")
		return
	}

	for _, id := range append([]string{userID}, participants...) {
		if err := h.ensureUser(r.Context(), id, req.DisplayNames[id], ""); err != nil {
			writeUserError(w, "CreateGroup", id, err)
			return
		}
	}

	conv, err := h.store.CreateGroup(r.Context(), req.Title, userID, participants)
	if err != nil {
		writeStoreError(w, "CreateGroup", err)
		return
	}
	h.hub.PublishMembership(*conv, conv.ParticipantIDs)
	writeJSON(w, http.StatusCreated, conv)
}

// ensureUser upserts the user when display data is supplied, otherwise requires it to exist.
func (h *ConversationHandler) ensureUser(ctx context.Context, id, displayName, avatar string) error {
	if displayName != "" || avatar != "" {
		_, err := h.store.UpsertUser(ctx, model.User{ID: id, DisplayName: displayName, AvatarRef: avatar})
		return err
	}
	_, err := h.store.GetUser(ctx, id)
	return err
}

func writeUserError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found: "+id)
		return
	}
	writeStoreError(w, op, err)
}
