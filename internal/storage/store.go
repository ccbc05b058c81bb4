package storage

import (
	"context"
	"time"

	"github.com/convsync/internal/model"
)

// PreviewStore: кэш последнего удачного снимка списка бесед пользователя.
// Холодный старт и сбой загрузки показывают устаревшие, но непустые данные.
// Реализации: redis.Client, memory.Client.
type PreviewStore interface {
	SavePreviews(ctx context.Context, userID string, snap model.PreviewSnapshot) error
	// LoadPreviews возвращает nil, nil, если снимка нет.
	LoadPreviews(ctx context.Context, userID string) (*model.PreviewSnapshot, error)
	Close() error
}

// RateLimiter: счётчик с фиксированным окном (общий для всех инстансов при Redis).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Close() error
}
