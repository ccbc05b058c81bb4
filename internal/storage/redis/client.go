package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convsync/internal/model"
)

// Снимок списка бесед живёт неделю: дольше он бесполезен даже как устаревший.
const PreviewTTL = 7 * 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SavePreviews сохраняет снимок по ключу previews:{userID} в JSON.
func (c *Client) SavePreviews(ctx context.Context, userID string, snap model.PreviewSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis.SavePreviews: %w", err)
	}
	return c.cli.Set(ctx, "previews:"+userID, data, PreviewTTL).Err()
}

func (c *Client) LoadPreviews(ctx context.Context, userID string) (*model.PreviewSnapshot, error) {
	data, err := c.cli.Get(ctx, "previews:"+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.LoadPreviews: %w", err)
	}
	var snap model.PreviewSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("redis.LoadPreviews: %w", err)
	}
	return &snap, nil
}

// Allow считает попадания в ratelimit:{key}; окно начинается с первого запроса.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := "ratelimit:" + key
	n, err := c.cli.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, k, window)
	}
	return n <= int64(limit), nil
}

// FlushDB очищает текущую БД Redis (для тестов).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
