package handler

import (
	"github.com/go-chi/chi/v5"
)

// Mount registers the conversation store API on r. Callers apply identity and rate-limit
// middleware to r beforehand.
func Mount(r chi.Router, conv *ConversationHandler, msg *MessageHandler) {
	r.Get("/api/conversations/{id}/messages", msg.GetMessages)
	r.Post("/api/messages", msg.CreateMessage)
	r.Post("/api/conversations/{id}/read", msg.MarkRead)

	r.Get("/api/users/{id}/conversations", conv.ListConversations)
	r.Get("/api/conversations/{id}/preview", conv.GetPreview)
	r.Post("/api/direct-conversations", conv.CreateDirect)
	r.Post("/api/group-conversations", conv.CreateGroup)
}
