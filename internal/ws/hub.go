package ws

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/metrics"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
	"github.com/convsync/internal/repository"
)

// Store is satisfied by *repository.Store and the in-memory store.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpsertUser(ctx context.Context, u model.User) (*model.User, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
	CreateMessage(ctx context.Context, m model.Message) (*model.Message, bool, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error)
}

type Options struct {
	MaxConns          int
	SendBufSize       int
	WriteWait         time.Duration
	PongWait          time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	// TypingExpiry drops a typist who has not refreshed within the window.
	TypingExpiry time.Duration
}

func (o *Options) defaults() {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBufSize <= 0 {
		o.SendBufSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = 3 * time.Second
	}
}

type typist struct {
	user      model.TypingUser
	expiresAt time.Time
}

// Hub routes push channel traffic. Connections are indexed by user (for global events) and by
// joined room (for conversation events).
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	rooms  map[string]map[*Client]struct{}
	typing map[string]map[string]typist
	total  int

	store      Store
	opts       Options
	now        func() time.Time
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(store Store, opts Options) *Hub {
	opts.defaults()
	return &Hub{
		users:      make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		typing:     make(map[string]map[string]typist),
		store:      store,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	sweep := time.NewTicker(h.opts.TypingExpiry / 3)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-sweep.C:
			h.sweepTyping()
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for c := range h.connectionsLocked() {
		all = append(all, c)
	}
	h.users = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.typing = make(map[string]map[string]typist)
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

// connectionsLocked tracks every registered client, authenticated or not, under the "" user key.
func (h *Hub) connectionsLocked() map[*Client]struct{} {
	return h.users[""]
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// Unregistered before the registration was processed.
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting", h.opts.MaxConns)
		c.Close()
		return
	}
	addTo(h.users, "", c)
	h.total++
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, registered := h.users[""][c]
	if registered {
		removeFrom(h.users, "", c)
		h.total--
	}
	userID := c.userID
	if userID != "" {
		removeFrom(h.users, userID, c)
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		removeFrom(h.rooms, room, c)
		rooms = append(rooms, room)
	}
	c.rooms = make(map[string]struct{})
	_, stillConnected := h.users[userID]
	var changed []string
	if userID != "" && !stillConnected {
		for _, room := range rooms {
			if h.dropTypistLocked(room, userID) {
				changed = append(changed, room)
			}
		}
	}
	h.mu.Unlock()
	if registered {
		metrics.WSConnections.Dec()
	}

	// Network I/O outside the lock.
	c.Close()
	for _, room := range changed {
		h.broadcastTyping(room)
	}
}

// HandleMessage dispatches one inbound message. Everything but authenticate requires an
// authenticated connection.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	metrics.WSEventsTotal.WithLabelValues(string(msg.Type)).Inc()
	if msg.Type == protocol.EventAuthenticate {
		h.handleAuthenticate(ctx, c, msg)
		return
	}
	if h.userOf(c) == "" {
		h.sendError(c, protocol.ErrCodeUnauthorized, "authenticate first", msg.CorrelationID)
		return
	}
	switch msg.Type {
	case protocol.EventJoin:
		h.handleJoin(ctx, c, msg)
	case protocol.EventLeave:
		h.handleLeave(c, msg)
	case protocol.EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case protocol.EventMarkAsRead:
		h.handleMarkAsRead(ctx, c, msg)
	case protocol.EventTyping:
		h.handleTyping(c, msg)
	case protocol.EventDeleteMessage:
		h.handleDeleteMessage(ctx, c, msg)
	default:
		h.sendError(c, protocol.ErrCodeInvalidMessage, "unknown event type", "")
	}
}

func (h *Hub) userOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.userID
}

func (h *Hub) handleAuthenticate(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	userID := strings.TrimSpace(msg.UserID)
	if userID == "" || (c.identity != "" && c.identity != userID) {
		h.sendError(c, protocol.ErrCodeUnauthorized, "identity mismatch", "")
		return
	}
	if cur := h.userOf(c); cur != "" && cur != userID {
		h.sendError(c, protocol.ErrCodeUnauthorized, "already authenticated", "")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var (
		user *model.User
		err  error
	)
	if msg.DisplayName != "" {
		user, err = h.store.UpsertUser(ctx, model.User{ID: userID, DisplayName: msg.DisplayName})
	} else {
		user, err = h.store.GetUser(ctx, userID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		h.sendError(c, protocol.ErrCodeUnauthorized, "unknown user", "")
		return
	}
	if err != nil {
		logger.Errorf("ws authenticate user=%s: %v", userID, err)
		h.sendError(c, protocol.ErrCodeInternal, "internal error", "")
		return
	}

	h.mu.Lock()
	c.userID = user.ID
	c.displayName = user.DisplayName
	addTo(h.users, user.ID, c)
	h.mu.Unlock()

	h.sendToClient(c, protocol.ServerMessage{Type: protocol.EventAuthenticated, Payload: protocol.AuthenticatedPayload{UserID: user.ID}})
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	if msg.ConversationID == "" {
		h.sendError(c, protocol.ErrCodeInvalidMessage, "conversation_id required", "")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	userID := h.userOf(c)
	ok, err := h.store.IsMember(ctx, msg.ConversationID, userID)
	if err != nil {
		logger.Errorf("ws check membership conv=%s user=%s: %v", msg.ConversationID, userID, err)
		h.sendErrorIn(c, protocol.ErrCodeInternal, "internal error", msg.ConversationID)
		return
	}
	if !ok {
		h.sendErrorIn(c, protocol.ErrCodeForbidden, "not a member", msg.ConversationID)
		return
	}

	h.mu.Lock()
	addTo(h.rooms, msg.ConversationID, c)
	c.rooms[msg.ConversationID] = struct{}{}
	users := h.typistsLocked(msg.ConversationID)
	h.mu.Unlock()

	if len(users) > 0 {
		h.sendToClient(c, protocol.ServerMessage{Type: protocol.EventUserTyping, Payload: protocol.UserTypingPayload{
			ConversationID: msg.ConversationID,
			Users:          users,
		}})
	}
}

func (h *Hub) handleLeave(c *Client, msg protocol.ClientMessage) {
	h.mu.Lock()
	removeFrom(h.rooms, msg.ConversationID, c)
	delete(c.rooms, msg.ConversationID)
	h.mu.Unlock()
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	fail := func(reason string) {
		h.sendToClient(c, protocol.ServerMessage{Type: protocol.EventSendFailed, Payload: protocol.SendFailedPayload{
			ConversationID: msg.ConversationID,
			CorrelationID:  msg.CorrelationID,
			Reason:         reason,
		}})
	}
	if msg.CorrelationID == "" {
		h.sendErrorIn(c, protocol.ErrCodeInvalidMessage, "correlation_id required", msg.ConversationID)
		return
	}
	if msg.ConversationID == "" || strings.TrimSpace(msg.Body) == "" {
		fail(protocol.ErrCodeInvalidMessage)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.mu.RLock()
	userID, displayName := c.userID, c.displayName
	h.mu.RUnlock()

	ok, err := h.store.IsMember(ctx, msg.ConversationID, userID)
	if err != nil {
		logger.Errorf("ws check membership conv=%s user=%s: %v", msg.ConversationID, userID, err)
		fail(protocol.ErrCodeInternal)
		return
	}
	if !ok {
		fail(protocol.ErrCodeForbidden)
		return
	}

	saved, created, err := h.store.CreateMessage(ctx, model.Message{
		CorrelationID:     msg.CorrelationID,
		ConversationID:    msg.ConversationID,
		SenderID:          userID,
		SenderDisplayName: displayName,
		Body:              msg.Body,
		ReplyTo:           msg.ReplyTo,
	})
	if err != nil {
		logger.Errorf("ws save message conv=%s user=%s: %v", msg.ConversationID, userID, err)
		fail(protocol.ErrCodeInternal)
		return
	}

	h.sendToClient(c, protocol.ServerMessage{Type: protocol.EventMessageAck, Payload: saved})
	h.PublishNewMessage(ctx, *saved, created)

	h.mu.Lock()
	stopped := h.dropTypistLocked(msg.ConversationID, userID)
	h.mu.Unlock()
	if stopped {
		h.broadcastTyping(msg.ConversationID)
	}
}

// PublishNewMessage fans a persisted message out to the room and refreshes every member's unread
// counts. Duplicates (created == false) were already published.
func (h *Hub) PublishNewMessage(ctx context.Context, m model.Message, created bool) {
	if created {
		metrics.MessagesPersisted.WithLabelValues("created").Inc()
	} else {
		metrics.MessagesPersisted.WithLabelValues("duplicate").Inc()
		return
	}
	h.sendToRoom(m.ConversationID, protocol.ServerMessage{Type: protocol.EventNewMessage, Payload: protocol.NewMessagePayload{
		ConversationID: m.ConversationID,
		Message:        m,
	}})
	h.notifyMembers(ctx, m.ConversationID)
}

func (h *Hub) handleMarkAsRead(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	if msg.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	userID := h.userOf(c)
	readAt, err := h.store.MarkRead(ctx, msg.ConversationID, userID, h.now())
	if errors.Is(err, repository.ErrForbidden) {
		h.sendErrorIn(c, protocol.ErrCodeForbidden, "not a member", msg.ConversationID)
		return
	}
	if err != nil {
		logger.Errorf("ws mark read conv=%s user=%s: %v", msg.ConversationID, userID, err)
		return
	}
	h.PublishRead(msg.ConversationID, userID, readAt)
}

// PublishRead tells the room about a read watermark and refreshes the reader's unread counts.
func (h *Hub) PublishRead(conversationID, userID string, at time.Time) {
	h.sendToRoom(conversationID, protocol.ServerMessage{Type: protocol.EventMessagesRead, Payload: protocol.MessagesReadPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      at,
	}})
	h.sendToUser(userID, unreadChanged(conversationID))
}

func (h *Hub) handleTyping(c *Client, msg protocol.ClientMessage) {
	h.mu.Lock()
	if _, joined := c.rooms[msg.ConversationID]; !joined {
		h.mu.Unlock()
		h.sendErrorIn(c, protocol.ErrCodeForbidden, "join the conversation first", msg.ConversationID)
		return
	}
	changed := false
	if msg.IsTyping {
		room := h.typing[msg.ConversationID]
		if room == nil {
			room = make(map[string]typist)
			h.typing[msg.ConversationID] = room
		}
		room[c.userID] = typist{
			user:      model.TypingUser{UserID: c.userID, DisplayName: c.displayName},
			expiresAt: h.now().Add(h.opts.TypingExpiry),
		}
		// Every refresh is re-broadcast so receivers keep the typist alive.
		changed = true
	} else {
		changed = h.dropTypistLocked(msg.ConversationID, c.userID)
	}
	h.mu.Unlock()
	if changed {
		h.broadcastTyping(msg.ConversationID)
	}
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	defer logger.DeferLogDuration("ws.handleDeleteMessage", time.Now())()
	if msg.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	original, err := h.store.GetMessage(ctx, msg.MessageID)
	if err != nil {
		h.sendErrorIn(c, protocol.ErrCodeNotFound, "message not found", msg.ConversationID)
		return
	}
	if original.SenderID != h.userOf(c) {
		h.sendErrorIn(c, protocol.ErrCodeForbidden, "can only delete own messages", original.ConversationID)
		return
	}
	if err := h.store.DeleteMessage(ctx, msg.MessageID); err != nil {
		logger.Errorf("ws delete message %s: %v", msg.MessageID, err)
		return
	}
	h.sendToRoom(original.ConversationID, protocol.ServerMessage{Type: protocol.EventMessageDeleted, Payload: protocol.MessageDeletedPayload{
		MessageID:      msg.MessageID,
		ConversationID: original.ConversationID,
	}})
	h.notifyMembers(ctx, original.ConversationID)
}

// PublishMembership announces new participants of a conversation to all of its members, so
// their conversation lists pick it up.
func (h *Hub) PublishMembership(conv model.Conversation, joined []string) {
	for _, uid := range joined {
		out := protocol.ServerMessage{Type: protocol.EventAttendeeStatusUpdated, Payload: protocol.AttendeeStatusPayload{
			ConversationID: conv.ID,
			UserID:         uid,
			Status:         "joined",
		}}
		for _, member := range conv.ParticipantIDs {
			h.sendToUser(member, out)
		}
	}
}

func (h *Hub) notifyMembers(ctx context.Context, conversationID string) {
	memberIDs, err := h.store.MemberIDs(ctx, conversationID)
	if err != nil {
		logger.Errorf("ws get members conv=%s: %v", conversationID, err)
		return
	}
	out := unreadChanged(conversationID)
	for _, uid := range memberIDs {
		h.sendToUser(uid, out)
	}
}

func unreadChanged(conversationID string) protocol.ServerMessage {
	return protocol.ServerMessage{Type: protocol.EventUnreadCountsChanged, Payload: protocol.UnreadCountsChangedPayload{
		ConversationIDs: []string{conversationID},
	}}
}

func (h *Hub) sweepTyping() {
	now := h.now()
	var changed []string
	h.mu.Lock()
	for room, typists := range h.typing {
		dropped := false
		for uid, t := range typists {
			if now.After(t.expiresAt) {
				delete(typists, uid)
				dropped = true
			}
		}
		if len(typists) == 0 {
			delete(h.typing, room)
		}
		if dropped {
			changed = append(changed, room)
		}
	}
	h.mu.Unlock()
	for _, room := range changed {
		h.broadcastTyping(room)
	}
}

func (h *Hub) dropTypistLocked(room, userID string) bool {
	typists, ok := h.typing[room]
	if !ok {
		return false
	}
	if _, ok := typists[userID]; !ok {
		return false
	}
	delete(typists, userID)
	if len(typists) == 0 {
		delete(h.typing, room)
	}
	return true
}

// typistsLocked returns the room's typing set sorted by user id.
func (h *Hub) typistsLocked(room string) []model.TypingUser {
	typists := h.typing[room]
	users := make([]model.TypingUser, 0, len(typists))
	for _, t := range typists {
		users = append(users, t.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (h *Hub) broadcastTyping(room string) {
	h.mu.RLock()
	users := h.typistsLocked(room)
	h.mu.RUnlock()
	h.sendToRoom(room, protocol.ServerMessage{Type: protocol.EventUserTyping, Payload: protocol.UserTypingPayload{
		ConversationID: room,
		Users:          users,
	}})
}

func (h *Hub) rateLimited(c *Client, msg protocol.ClientMessage) {
	metrics.RateLimitHits.WithLabelValues("ws").Inc()
	if msg.Type == protocol.EventSendMessage && msg.CorrelationID != "" {
		h.sendToClient(c, protocol.ServerMessage{Type: protocol.EventSendFailed, Payload: protocol.SendFailedPayload{
			ConversationID: msg.ConversationID,
			CorrelationID:  msg.CorrelationID,
			Reason:         protocol.ErrCodeRateLimited,
		}})
		return
	}
	h.sendErrorIn(c, protocol.ErrCodeRateLimited, "too many messages", msg.ConversationID)
}

func (h *Hub) sendError(c *Client, code, message, correlationID string) {
	h.sendToClient(c, protocol.ServerMessage{Type: protocol.EventError, Payload: protocol.ErrorPayload{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}})
}

func (h *Hub) sendErrorIn(c *Client, code, message, conversationID string) {
	h.sendToClient(c, protocol.ServerMessage{Type: protocol.EventError, Payload: protocol.ErrorPayload{
		Code:           code,
		Message:        message,
		ConversationID: conversationID,
	}})
}

func (h *Hub) sendToRoom(room string, msg protocol.ServerMessage) {
	h.mu.RLock()
	targets := snapshot(h.rooms[room])
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToUser(userID string, msg protocol.ServerMessage) {
	if userID == "" {
		return
	}
	h.mu.RLock()
	targets := snapshot(h.users[userID])
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg protocol.ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client")
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func addTo(m map[string]map[*Client]struct{}, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		set = make(map[*Client]struct{})
		m[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(m map[string]map[*Client]struct{}, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, key)
	}
}

func snapshot(set map[*Client]struct{}) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
