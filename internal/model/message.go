package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Rank orders confirmed statuses. Pending and failed messages rank 0.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}

// Confirmed reports whether the server has persisted the message.
func (s MessageStatus) Confirmed() bool { return s.Rank() > 0 }

// ReplySnippetMax is the maximum snippet length in runes.
const ReplySnippetMax = 80

type Message struct {
	ID                string        `json:"id,omitempty"`
	CorrelationID     string        `json:"correlation_id"`
	ConversationID    string        `json:"conversation_id"`
	SenderID          string        `json:"sender_id"`
	SenderDisplayName string        `json:"sender_display_name"`
	SenderAvatarRef   string        `json:"sender_avatar_ref,omitempty"`
	Body              string        `json:"body"`
	CreatedAt         time.Time     `json:"created_at"`
	Status            MessageStatus `json:"status"`
	ReplyTo           *ReplyRef     `json:"reply_to,omitempty"`
	IsDeleted         bool          `json:"is_deleted"`
}

// ReplyRef is a denormalized reference to the message being replied to.
type ReplyRef struct {
	MessageID     string `json:"message_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	SenderName    string `json:"sender_name"`
	Snippet       string `json:"snippet"`
}

// NewReplyRef builds a reply reference with a truncated snippet of the target body.
func NewReplyRef(target Message) *ReplyRef {
	ref := &ReplyRef{
		MessageID:     target.ID,
		CorrelationID: target.CorrelationID,
		SenderName:    target.SenderDisplayName,
	}
	if !target.IsDeleted {
		ref.Snippet = Snippet(target.Body, ReplySnippetMax)
	}
	return ref
}

// Snippet collapses whitespace and truncates s to max runes, appending an ellipsis when cut.
func Snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:max-1]), " ") + "…"
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
