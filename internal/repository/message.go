package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageCols = `m.id, m.correlation_id, m.conversation_id, m.sender_id, COALESCE(u.display_name, ''), COALESCE(u.avatar_ref, ''),
	m.body, m.created_at, m.status, m.is_deleted,
	m.reply_to_id, m.reply_correlation_id, m.reply_sender_name, m.reply_snippet`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var replyID, replyCorr, replySender, replySnippet *string
	if err := s.Scan(&m.ID, &m.CorrelationID, &m.ConversationID, &m.SenderID, &m.SenderDisplayName, &m.SenderAvatarRef,
		&m.Body, &m.CreatedAt, &m.Status, &m.IsDeleted,
		&replyID, &replyCorr, &replySender, &replySnippet); err != nil {
		return err
	}
	if replyID != nil || replyCorr != nil {
		m.ReplyTo = &model.ReplyRef{}
		if replyID != nil {
			m.ReplyTo.MessageID = *replyID
		}
		if replyCorr != nil {
			m.ReplyTo.CorrelationID = *replyCorr
		}
		if replySender != nil {
			m.ReplyTo.SenderName = *replySender
		}
		if replySnippet != nil {
			m.ReplyTo.Snippet = *replySnippet
		}
	}
	return nil
}

// Create сохраняет сообщение идемпотентно по (sender_id, correlation_id): повтор возвращает
// уже сохранённое сообщение и created=false. Сервер назначает id (ULID) и created_at.
func (r *MessageRepository) Create(ctx context.Context, m model.Message) (*model.Message, bool, error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var replyID, replyCorr, replySender, replySnippet *string
	if m.ReplyTo != nil {
		replyID = nullable(m.ReplyTo.MessageID)
		replyCorr = nullable(m.ReplyTo.CorrelationID)
		replySender = &m.ReplyTo.SenderName
		snippet := model.Snippet(m.ReplyTo.Snippet, model.ReplySnippetMax)
		replySnippet = &snippet
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, correlation_id, body, status,
		                       reply_to_id, reply_correlation_id, reply_sender_name, reply_snippet, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'sent', $6, $7, $8, $9, $10)
		 ON CONFLICT (sender_id, correlation_id) DO NOTHING`,
		ulid.Make().String(), m.ConversationID, m.SenderID, m.CorrelationID, m.Body,
		replyID, replyCorr, replySender, replySnippet, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.Create insert: %w", err)
	}
	created := tag.RowsAffected() == 1
	if created {
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1`,
			m.ConversationID, now,
		); err != nil {
			return nil, false, fmt.Errorf("msgRepo.Create touch: %w", err)
		}
	}

	out := &model.Message{}
	row := tx.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		 WHERE m.sender_id = $1 AND m.correlation_id = $2`,
		m.SenderID, m.CorrelationID,
	)
	if err := scanMessage(row, out); err != nil {
		return nil, false, fmt.Errorf("msgRepo.Create select: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return out, created, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages m LEFT JOIN users u ON u.id = m.sender_id WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// Page возвращает до limit сообщений, пропустив skip самых новых; результат от старых к новым.
func (r *MessageRepository) Page(ctx context.Context, conversationID string, skip, limit int) ([]model.Message, bool, error) {
	defer logger.DeferLogDuration("msg.Page", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.correlation_id DESC
		 LIMIT $2 OFFSET $3`,
		conversationID, limit+1, skip,
	)
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.Page query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit+1)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, false, fmt.Errorf("msgRepo.Page scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("msgRepo.Page rows: %w", err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

// SoftDelete помечает сообщение удалённым и очищает текст.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, body = '' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
