package memory

import (
	"context"
	"sync"
	"time"

	"github.com/convsync/internal/model"
)

// PreviewTTL matches the Redis snapshot lifetime.
const PreviewTTL = 7 * 24 * time.Hour

type item struct {
	snap model.PreviewSnapshot
	exp  time.Time
}

type Client struct {
	mu       sync.RWMutex
	previews map[string]item
	limit    map[string][]time.Time
}

func New() *Client {
	return &Client{
		previews: make(map[string]item),
		limit:    make(map[string][]time.Time),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SavePreviews(ctx context.Context, userID string, snap model.PreviewSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap.Previews = append([]model.ConversationPreview(nil), snap.Previews...)
	c.previews[userID] = item{snap: snap, exp: time.Now().Add(PreviewTTL)}
	return nil
}

func (c *Client) LoadPreviews(ctx context.Context, userID string) (*model.PreviewSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.previews[userID]
	if !ok || time.Now().After(v.exp) {
		return nil, nil
	}
	snap := v.snap
	snap.Previews = append([]model.ConversationPreview(nil), v.snap.Previews...)
	return &snap, nil
}

// Allow keeps a sliding log of hits per key.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cut := now.Add(-window)
	var kept []time.Time
	for _, t := range c.limit[key] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		c.limit[key] = kept
		return false, nil
	}
	c.limit[key] = append(kept, now)
	return true, nil
}
