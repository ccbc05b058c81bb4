package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convsync/internal/model"
)

// Store объединяет репозитории под методами, которые нужны хабу и HTTP-обработчикам.
type Store struct {
	Users         *UserRepository
	Conversations *ConversationRepository
	Messages      *MessageRepository
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Users:         NewUserRepository(pool),
		Conversations: NewConversationRepository(pool),
		Messages:      NewMessageRepository(pool),
	}
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.Users.GetByID(ctx, id)
}

func (s *Store) UpsertUser(ctx context.Context, u model.User) (*model.User, error) {
	return s.Users.Upsert(ctx, u)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return s.Conversations.GetByID(ctx, id)
}

func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.Conversations.IsMember(ctx, conversationID, userID)
}

func (s *Store) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	return s.Conversations.GetMemberIDs(ctx, conversationID)
}

func (s *Store) GetOrCreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	return s.Conversations.GetOrCreateDirect(ctx, userA, userB)
}

func (s *Store) CreateGroup(ctx context.Context, title, createdBy string, participantIDs []string) (*model.Conversation, error) {
	return s.Conversations.CreateGroup(ctx, title, createdBy, participantIDs)
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	return s.Conversations.MarkRead(ctx, conversationID, userID, at)
}

func (s *Store) ListPreviews(ctx context.Context, userID string) ([]model.ConversationPreview, error) {
	return s.Conversations.ListPreviews(ctx, userID)
}

func (s *Store) GetPreview(ctx context.Context, conversationID, userID string) (*model.ConversationPreview, error) {
	return s.Conversations.GetPreview(ctx, conversationID, userID)
}

func (s *Store) CreateMessage(ctx context.Context, m model.Message) (*model.Message, bool, error) {
	return s.Messages.Create(ctx, m)
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.Messages.GetByID(ctx, id)
}

func (s *Store) Page(ctx context.Context, conversationID string, skip, limit int) ([]model.Message, bool, error) {
	return s.Messages.Page(ctx, conversationID, skip, limit)
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.Messages.SoftDelete(ctx, id)
}
