package model

import "time"

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	Title          string           `json:"title"`
	ParticipantIDs []string         `json:"participant_ids"`
	CreatedBy      string           `json:"created_by"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type MessagePreview struct {
	MessageID         string    `json:"message_id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body"`
	IsDeleted         bool      `json:"is_deleted"`
	CreatedAt         time.Time `json:"created_at"`
}

// ConversationPreview is one row of the conversation list as seen by a single user.
type ConversationPreview struct {
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind"`
	Title          string           `json:"title"`
	ParticipantIDs []string         `json:"participant_ids"`
	UnreadCount    int              `json:"unread_count"`
	LastMessage    *MessagePreview  `json:"last_message,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// PreviewSnapshot is the cached conversation list with the time it was fetched.
type PreviewSnapshot struct {
	Previews  []ConversationPreview `json:"previews"`
	FetchedAt time.Time             `json:"fetched_at"`
}

type TypingUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}
