package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

const userCols = `id, display_name, avatar_ref, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.DisplayName, &u.AvatarRef, &u.CreatedAt)
}

// Upsert создаёт пользователя или обновляет непустые отображаемые данные.
// Пользователей заводит внешний слой авторизации; здесь храним только то, что показываем рядом с сообщениями.
func (r *UserRepository) Upsert(ctx context.Context, u model.User) (*model.User, error) {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	out := &model.User{}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, display_name, avatar_ref, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
		   avatar_ref   = COALESCE(NULLIF(EXCLUDED.avatar_ref, ''), users.avatar_ref)
		 RETURNING `+userCols,
		u.ID, u.DisplayName, u.AvatarRef, u.CreatedAt,
	)
	if err := scanUser(row, out); err != nil {
		return nil, fmt.Errorf("userRepo.Upsert: %w", err)
	}
	return out, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}
