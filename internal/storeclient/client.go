// Package storeclient calls the Conversation Store REST API on behalf of one signed-in user.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
)

var (
	// ErrNotFound is returned for 404 responses; it is terminal.
	ErrNotFound = errors.New("storeclient: not found")
	// ErrForbidden is returned for 401/403 responses.
	ErrForbidden = errors.New("storeclient: forbidden")
)

// StatusError is a non-2xx response that is neither not-found nor forbidden.
type StatusError struct {
	Op     string
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("storeclient.%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("storeclient.%s: status %d: %s", e.Op, e.Status, e.Msg)
}

// Temporary reports whether retrying could succeed (5xx and 429).
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// TransientError wraps network failures and timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return "storeclient." + e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// New creates a client. httpClient nil: a client with a 15s timeout is used.
func New(baseURL, userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userID:     userID,
		httpClient: httpClient,
	}
}

// UserID returns the identity the client acts for.
func (c *Client) UserID() string { return c.userID }

type CreateMessageRequest struct {
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Body           string          `json:"body"`
	CorrelationID  string          `json:"correlation_id"`
	ReplyTo        *model.ReplyRef `json:"reply_to,omitempty"`
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

type readRequest struct {
	UserID string `json:"user_id"`
}

type readResponse struct {
	Status string    `json:"status"`
	ReadAt time.Time `json:"read_at"`
}

// GetMessages loads one page; skip counts persisted messages back from the newest.
func (c *Client) GetMessages(ctx context.Context, conversationID string, skip, limit int) (*model.MessagePage, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	var page model.MessagePage
	if err := c.do(ctx, "GetMessages", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	return &page, nil
}

// CreateMessage persists a message; repeating a correlation id returns the stored message.
func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (*model.Message, error) {
	if req.SenderID == "" {
		req.SenderID = c.userID
	}
	var m model.Message
	if err := c.do(ctx, "CreateMessage", http.MethodPost, "/api/messages", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkRead records that the user has read everything in the conversation up to the returned time.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (time.Time, error) {
	var resp readResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, "MarkRead", http.MethodPost, path, readRequest{UserID: c.userID}, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.ReadAt, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]model.ConversationPreview, error) {
	var out []model.ConversationPreview
	path := "/api/users/" + url.PathEscape(c.userID) + "/conversations"
	if err := c.do(ctx, "ListConversations", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPreview(ctx context.Context, conversationID string) (*model.ConversationPreview, error) {
	var p model.ConversationPreview
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/preview"
	if err := c.do(ctx, "GetPreview", http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrCreateDirect is idempotent: the same pair always yields the same conversation.
func (c *Client) GetOrCreateDirect(ctx context.Context, req DirectConversationRequest) (*model.Conversation, error) {
	if req.UserAID == "" {
		req.UserAID = c.userID
	}
	var conv model.Conversation
	if err := c.do(ctx, "GetOrCreateDirect", http.MethodPost, "/api/direct-conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) CreateGroup(ctx context.Context, req GroupConversationRequest) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, "CreateGroup", http.MethodPost, "/api/group-conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("storeclient.%s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("storeclient.%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(protocol.UserIDHeader, c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("storeclient.%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("storeclient.%s: %w", op, ErrForbidden)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Op: op, Status: resp.StatusCode, Msg: readErrorBody(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	var e struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
