// Package memory: хранилище бесед в памяти процесса с той же семантикой, что и Postgres-репозитории.
// Используется в режиме chat -store=memory и в тестах хаба и обработчиков.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/convsync/internal/model"
	"github.com/convsync/internal/repository"
)

type member struct {
	joinedAt time.Time
	lastRead time.Time
}

type conversation struct {
	model.Conversation
	directKey string
	members   map[string]*member
}

type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[string]model.User
	conversations map[string]*conversation
	direct        map[string]string
	messages      map[string]*model.Message
	byCorrelation map[string]string
	byConv        map[string][]string
}

func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[string]model.User),
		conversations: make(map[string]*conversation),
		direct:        make(map[string]string),
		messages:      make(map[string]*model.Message),
		byCorrelation: make(map[string]string),
		byConv:        make(map[string][]string),
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *Store) UpsertUser(ctx context.Context, u model.User) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		cur = model.User{ID: u.ID, CreatedAt: s.now()}
	}
	if u.DisplayName != "" {
		cur.DisplayName = u.DisplayName
	}
	if u.AvatarRef != "" {
		cur.AvatarRef = u.AvatarRef
	}
	s.users[u.ID] = cur
	return &cur, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := s.publicLocked(c)
	return &out, nil
}

func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	_, ok = c.members[userID]
	return ok, nil
}

func (s *Store) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	return s.memberIDsLocked(c), nil
}

func (s *Store) GetOrCreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	if userA == userB {
		return nil, false, fmt.Errorf("memory.GetOrCreateDirect: %w: same participant", repository.ErrForbidden)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := repository.DirectKey(userA, userB)
	if id, ok := s.direct[key]; ok {
		out := s.publicLocked(s.conversations[id])
		return &out, false, nil
	}
	c := s.createLocked(model.ConversationDirect, "", userA, []string{userA, userB})
	c.directKey = key
	s.direct[key] = c.ID
	out := s.publicLocked(c)
	return &out, true, nil
}

func (s *Store) CreateGroup(ctx context.Context, title, createdBy string, participantIDs []string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.createLocked(model.ConversationGroup, title, createdBy, append([]string{createdBy}, participantIDs...))
	out := s.publicLocked(c)
	return &out, nil
}

func (s *Store) createLocked(kind model.ConversationKind, title, createdBy string, ids []string) *conversation {
	now := s.now()
	c := &conversation{
		Conversation: model.Conversation{
			ID:             uuid.New().String(),
			Kind:           kind,
			Title:          title,
			CreatedBy:      createdBy,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		members: make(map[string]*member, len(ids)),
	}
	for _, id := range ids {
		if _, ok := c.members[id]; !ok {
			c.members[id] = &member{joinedAt: now}
		}
		if _, ok := s.users[id]; !ok {
			s.users[id] = model.User{ID: id, CreatedAt: now}
		}
	}
	s.conversations[c.ID] = c
	return c
}

func (s *Store) memberIDsLocked(c *conversation) []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.members[ids[i]], c.members[ids[j]]
		if !a.joinedAt.Equal(b.joinedAt) {
			return a.joinedAt.Before(b.joinedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (s *Store) publicLocked(c *conversation) model.Conversation {
	out := c.Conversation
	out.ParticipantIDs = s.memberIDsLocked(c)
	return out
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return time.Time{}, repository.ErrForbidden
	}
	m, ok := c.members[userID]
	if !ok {
		return time.Time{}, repository.ErrForbidden
	}
	if at.After(m.lastRead) {
		m.lastRead = at
	}
	for _, id := range s.byConv[conversationID] {
		msg := s.messages[id]
		if msg.SenderID != userID && !msg.CreatedAt.After(m.lastRead) {
			msg.Status = model.MessageStatusRead
		}
	}
	return m.lastRead, nil
}

func (s *Store) CreateMessage(ctx context.Context, m model.Message) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.SenderID + "\x00" + m.CorrelationID
	if id, ok := s.byCorrelation[key]; ok {
		out := s.withSenderLocked(*s.messages[id])
		return &out, false, nil
	}
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	now := s.now()
	stored := m
	stored.ID = ulid.Make().String()
	stored.CreatedAt = now
	stored.Status = model.MessageStatusSent
	stored.IsDeleted = false
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		ref.Snippet = model.Snippet(ref.Snippet, model.ReplySnippetMax)
		stored.ReplyTo = &ref
	}
	s.messages[stored.ID] = &stored
	s.byCorrelation[key] = stored.ID
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], stored.ID)
	if now.After(c.LastActivityAt) {
		c.LastActivityAt = now
	}
	out := s.withSenderLocked(stored)
	return &out, true, nil
}

func (s *Store) withSenderLocked(m model.Message) model.Message {
	if u, ok := s.users[m.SenderID]; ok {
		m.SenderDisplayName = u.DisplayName
		m.SenderAvatarRef = u.AvatarRef
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		m.ReplyTo = &ref
	}
	return m
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := s.withSenderLocked(*m)
	return &out, nil
}

// sortedLocked возвращает сообщения беседы от новых к старым.
func (s *Store) sortedLocked(conversationID string) []*model.Message {
	ids := s.byConv[conversationID]
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CorrelationID > out[j].CorrelationID
	})
	return out
}

func (s *Store) Page(ctx context.Context, conversationID string, skip, limit int) ([]model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedLocked(conversationID)
	if skip >= len(all) {
		return []model.Message{}, false, nil
	}
	end := skip + limit
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	window := all[skip:end]
	page := make([]model.Message, len(window))
	for i, m := range window {
		page[len(window)-1-i] = s.withSenderLocked(*m)
	}
	return page, hasMore, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.IsDeleted = true
	m.Body = ""
	return nil
}

func (s *Store) ListPreviews(ctx context.Context, userID string) ([]model.ConversationPreview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ConversationPreview, 0, 16)
	for _, c := range s.conversations {
		if _, ok := c.members[userID]; ok {
			out = append(out, s.previewLocked(c, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out, nil
}

func (s *Store) GetPreview(ctx context.Context, conversationID, userID string) (*model.ConversationPreview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if _, ok := c.members[userID]; !ok {
		return nil, repository.ErrNotFound
	}
	p := s.previewLocked(c, userID)
	return &p, nil
}

func (s *Store) previewLocked(c *conversation, userID string) model.ConversationPreview {
	p := model.ConversationPreview{
		ConversationID: c.ID,
		Kind:           c.Kind,
		Title:          c.Title,
		ParticipantIDs: s.memberIDsLocked(c),
		LastActivityAt: c.LastActivityAt,
	}
	if c.Kind == model.ConversationDirect {
		p.Title = ""
		for _, id := range p.ParticipantIDs {
			if id != userID {
				p.Title = s.users[id].DisplayName
				break
			}
		}
	}
	lastRead := c.members[userID].lastRead
	msgs := s.sortedLocked(c.ID)
	for _, m := range msgs {
		if m.SenderID != userID && m.CreatedAt.After(lastRead) && !m.IsDeleted {
			p.UnreadCount++
		}
	}
	if len(msgs) > 0 {
		last := s.withSenderLocked(*msgs[0])
		p.LastMessage = &model.MessagePreview{
			MessageID:         last.ID,
			SenderID:          last.SenderID,
			SenderDisplayName: last.SenderDisplayName,
			Body:              last.Body,
			IsDeleted:         last.IsDeleted,
			CreatedAt:         last.CreatedAt,
		}
	}
	return p
}
