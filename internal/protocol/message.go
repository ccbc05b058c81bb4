// Package protocol defines the push channel wire format shared by the server hub and the client.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/convsync/internal/model"
)

// UserIDHeader carries the identity established by the auth gateway on REST and /ws requests.
const UserIDHeader = "X-User-Id"

type EventType string

// Client -> server.
const (
	EventAuthenticate  EventType = "authenticate"
	EventJoin          EventType = "join"
	EventLeave         EventType = "leave"
	EventSendMessage   EventType = "sendMessage"
	EventMarkAsRead    EventType = "markAsRead"
	EventTyping        EventType = "typing"
	EventDeleteMessage EventType = "deleteMessage"
)

// Server -> client.
const (
	EventAuthenticated         EventType = "authenticated"
	EventNewMessage            EventType = "newMessage"
	EventMessageAck            EventType = "messageAck"
	EventSendFailed            EventType = "sendFailed"
	EventMessagesRead          EventType = "messagesRead"
	EventUserTyping            EventType = "userTyping"
	EventMessageDeleted        EventType = "messageDeleted"
	EventUnreadCountsChanged   EventType = "unreadCountsChanged"
	EventAttendeeStatusUpdated EventType = "attendeeStatusUpdated"
	EventError                 EventType = "error"
)

// IsGlobal reports whether the event is user-scoped rather than tied to a joined room.
func IsGlobal(t EventType) bool {
	return t == EventUnreadCountsChanged || t == EventAttendeeStatusUpdated
}

// Error codes carried in ErrorPayload.
const (
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeInvalidMessage = "invalid_message"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInternal       = "internal_error"
)

// ClientMessage is what the client sends to the server.
type ClientMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`

	// authenticate
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Token       string `json:"token,omitempty"`

	// sendMessage
	CorrelationID string          `json:"correlation_id,omitempty"`
	Body          string          `json:"body,omitempty"`
	ReplyTo       *model.ReplyRef `json:"reply_to,omitempty"`

	// typing
	IsTyping bool `json:"is_typing,omitempty"`

	// deleteMessage
	MessageID string `json:"message_id,omitempty"`
}

// ServerMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type ServerMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Envelope is the receiving side of ServerMessage; Payload is decoded lazily per event type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// ConversationID extracts conversation_id from the payload, or "" when absent.
func (e Envelope) ConversationID() string {
	var probe struct {
		ConversationID string `json:"conversation_id"`
	}
	if len(e.Payload) == 0 || e.Payload[0] != '{' {
		return ""
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return ""
	}
	return probe.ConversationID
}

// --- Typed payloads ---

type AuthenticatedPayload struct {
	UserID string `json:"user_id"`
}

type NewMessagePayload struct {
	ConversationID string        `json:"conversation_id"`
	Message        model.Message `json:"message"`
}

// MessageAck carries the persisted message; its conversation_id routes it.
type MessageAckPayload = model.Message

type SendFailedPayload struct {
	ConversationID string `json:"conversation_id"`
	CorrelationID  string `json:"correlation_id"`
	Reason         string `json:"reason"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type UserTypingPayload struct {
	ConversationID string             `json:"conversation_id"`
	Users          []model.TypingUser `json:"users"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type UnreadCountsChangedPayload struct {
	ConversationIDs []string `json:"conversation_ids"`
}

type AttendeeStatusPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
}

type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}
