package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/model"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestPreviewsRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	snap, err := c.LoadPreviews(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	in := model.PreviewSnapshot{
		Previews: []model.ConversationPreview{{
			ConversationID: "c1",
			Kind:           model.ConversationDirect,
			UnreadCount:    3,
			LastMessage:    &model.MessagePreview{MessageID: "m1", Body: "hi", CreatedAt: at},
			LastActivityAt: at,
		}},
		FetchedAt: at,
	}
	require.NoError(t, c.SavePreviews(ctx, "u1", in))
	assert.True(t, mr.Exists("previews:u1"))

	got, err := c.LoadPreviews(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, &in, got)

	mr.FastForward(PreviewTTL + time.Second)
	got, err = c.LoadPreviews(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadCorruptSnapshot(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("previews:u1", "{not json"))
	_, err := c.LoadPreviews(context.Background(), "u1")
	assert.Error(t, err)
}

func TestAllowFixedWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := c.Allow(ctx, "send:u1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.Allow(ctx, "send:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = c.Allow(ctx, "send:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewFailsOnBadURL(t *testing.T) {
	_, err := New(context.Background(), "not-a-url://")
	assert.Error(t, err)
}
