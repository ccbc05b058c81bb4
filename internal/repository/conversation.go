package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// DirectKey: ключ личной беседы: отсортированная пара участников.
func DirectKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// GetOrCreateDirect идемпотентна: одна и та же пара всегда получает одну беседу.
// created сообщает, была ли беседа создана этим вызовом.
func (r *ConversationRepository) GetOrCreateDirect(ctx context.Context, userA, userB string) (conv *model.Conversation, created bool, err error) {
	defer logger.DeferLogDuration("conv.GetOrCreateDirect", time.Now())()
	if userA == userB {
		return nil, false, fmt.Errorf("convRepo.GetOrCreateDirect: %w: same participant", ErrForbidden)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("convRepo.GetOrCreateDirect begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	key := DirectKey(userA, userB)
	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (id, kind, title, direct_key, created_by, created_at, last_activity_at)
		 VALUES ($1, 'direct', '', $2, $3, $4, $4)
		 ON CONFLICT (direct_key) DO NOTHING
		 RETURNING id`,
		uuid.New().String(), key, userA, now,
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE direct_key = $1`, key).Scan(&id); err != nil {
			return nil, false, fmt.Errorf("convRepo.GetOrCreateDirect existing: %w", err)
		}
	case err != nil:
		return nil, false, fmt.Errorf("convRepo.GetOrCreateDirect insert: %w", err)
	default:
		created = true
		for _, uid := range []string{userA, userB} {
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				id, uid, now,
			); err != nil {
				return nil, false, fmt.Errorf("convRepo.GetOrCreateDirect member: %w", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("convRepo.GetOrCreateDirect commit: %w", err)
	}
	conv, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// CreateGroup создаёт групповую беседу; создатель всегда входит в участники.
func (r *ConversationRepository) CreateGroup(ctx context.Context, title, createdBy string, participantIDs []string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.CreateGroup", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("convRepo.CreateGroup begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	id := uuid.New().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, kind, title, created_by, created_at, last_activity_at)
		 VALUES ($1, 'group', $2, $3, $4, $4)`,
		id, title, createdBy, now,
	); err != nil {
		return nil, fmt.Errorf("convRepo.CreateGroup insert: %w", err)
	}
	members := append([]string{createdBy}, participantIDs...)
	for _, uid := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			id, uid, now,
		); err != nil {
			return nil, fmt.Errorf("convRepo.CreateGroup member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("convRepo.CreateGroup commit: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT c.id, c.kind, c.title, c.created_by, c.created_at, c.last_activity_at,
		        ARRAY(SELECT user_id FROM conversation_members WHERE conversation_id = c.id ORDER BY joined_at, user_id)
		 FROM conversations c WHERE c.id = $1`, id,
	).Scan(&c.ID, &c.Kind, &c.Title, &c.CreatedBy, &c.CreatedAt, &c.LastActivityAt, &c.ParticipantIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) GetMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

// MarkRead сдвигает отметку прочтения участника (только вперёд) и переводит чужие сообщения
// до этого момента в статус read. Возвращает действующую отметку.
func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	defer logger.DeferLogDuration("conv.MarkRead", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("convRepo.MarkRead begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var readAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE conversation_members SET last_read_at = GREATEST(last_read_at, $3)
		 WHERE conversation_id = $1 AND user_id = $2
		 RETURNING last_read_at`,
		conversationID, userID, at,
	).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrForbidden
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("convRepo.MarkRead member: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE messages SET status = 'read'
		 WHERE conversation_id = $1 AND sender_id <> $2 AND status <> 'read' AND created_at <= $3`,
		conversationID, userID, readAt,
	); err != nil {
		return time.Time{}, fmt.Errorf("convRepo.MarkRead messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("convRepo.MarkRead commit: %w", err)
	}
	return readAt, nil
}

const previewSelect = `
SELECT c.id, c.kind,
       CASE WHEN c.kind = 'direct' THEN COALESCE((
           SELECT u2.display_name FROM conversation_members m2
           JOIN users u2 ON u2.id = m2.user_id
           WHERE m2.conversation_id = c.id AND m2.user_id <> cm.user_id LIMIT 1), '')
       ELSE c.title END,
       ARRAY(SELECT user_id FROM conversation_members WHERE conversation_id = c.id ORDER BY joined_at, user_id),
       (SELECT COUNT(*) FROM messages m
         WHERE m.conversation_id = c.id AND m.sender_id <> cm.user_id
           AND m.created_at > cm.last_read_at AND NOT m.is_deleted),
       c.last_activity_at,
       lm.id, lm.sender_id, COALESCE(lu.display_name, ''), lm.body, lm.is_deleted, lm.created_at
FROM conversation_members cm
JOIN conversations c ON c.id = cm.conversation_id
LEFT JOIN LATERAL (
    SELECT id, sender_id, body, is_deleted, created_at FROM messages
    WHERE conversation_id = c.id
    ORDER BY created_at DESC, correlation_id DESC LIMIT 1
) lm ON TRUE
LEFT JOIN users lu ON lu.id = lm.sender_id
WHERE cm.user_id = $1`

func scanPreview(s interface{ Scan(dest ...any) error }) (model.ConversationPreview, error) {
	var (
		p         model.ConversationPreview
		msgID     *string
		senderID  *string
		sender    string
		body      *string
		isDeleted *bool
		createdAt *time.Time
	)
	if err := s.Scan(&p.ConversationID, &p.Kind, &p.Title, &p.ParticipantIDs, &p.UnreadCount, &p.LastActivityAt,
		&msgID, &senderID, &sender, &body, &isDeleted, &createdAt); err != nil {
		return p, err
	}
	if msgID != nil {
		p.LastMessage = &model.MessagePreview{
			MessageID:         *msgID,
			SenderID:          *senderID,
			SenderDisplayName: sender,
			Body:              *body,
			IsDeleted:         *isDeleted,
			CreatedAt:         *createdAt,
		}
	}
	return p, nil
}

// ListPreviews возвращает беседы пользователя, последние активные первыми.
func (r *ConversationRepository) ListPreviews(ctx context.Context, userID string) ([]model.ConversationPreview, error) {
	defer logger.DeferLogDuration("conv.ListPreviews", time.Now())()
	rows, err := r.pool.Query(ctx, previewSelect+` ORDER BY c.last_activity_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListPreviews query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ConversationPreview, 0, 16)
	for rows.Next() {
		p, err := scanPreview(rows)
		if err != nil {
			return nil, fmt.Errorf("convRepo.ListPreviews scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListPreviews rows: %w", err)
	}
	return out, nil
}

// GetPreview возвращает ErrNotFound, если беседы нет или пользователь в ней не состоит.
func (r *ConversationRepository) GetPreview(ctx context.Context, conversationID, userID string) (*model.ConversationPreview, error) {
	defer logger.DeferLogDuration("conv.GetPreview", time.Now())()
	p, err := scanPreview(r.pool.QueryRow(ctx, previewSelect+` AND c.id = $2`, userID, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetPreview: %w", err)
	}
	return &p, nil
}
