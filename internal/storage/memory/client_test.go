package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/model"
)

func TestPreviewsRoundTrip(t *testing.T) {
	c := New()
	ctx := context.Background()

	snap, err := c.LoadPreviews(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	in := model.PreviewSnapshot{
		Previews:  []model.ConversationPreview{{ConversationID: "c1", UnreadCount: 2}},
		FetchedAt: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.SavePreviews(ctx, "u1", in))
	in.Previews[0].UnreadCount = 99

	got, err := c.LoadPreviews(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Previews[0].UnreadCount, "stored snapshot is a copy")
	assert.Equal(t, in.FetchedAt, got.FetchedAt)

	other, err := c.LoadPreviews(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestAllowWindow(t *testing.T) {
	c := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := c.Allow(ctx, "u1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := c.Allow(ctx, "u1", 3, time.Minute)
	assert.False(t, ok)
	ok, _ = c.Allow(ctx, "u2", 3, time.Minute)
	assert.True(t, ok)

	ok, _ = c.Allow(ctx, "short", 1, time.Millisecond)
	assert.True(t, ok)
	time.Sleep(5 * time.Millisecond)
	ok, _ = c.Allow(ctx, "short", 1, time.Millisecond)
	assert.True(t, ok, "window elapsed")
}
