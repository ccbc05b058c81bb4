package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
	"github.com/convsync/internal/pushclient"
	"github.com/convsync/internal/storage/memory"
	"github.com/convsync/internal/storeclient"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu        sync.Mutex
	previews  map[string]model.ConversationPreview
	fail      map[string]error
	listErr   error
	listCalls int
	getCalls  map[string]int
}

func newFakeFetcher(ps ...model.ConversationPreview) *fakeFetcher {
	f := &fakeFetcher{previews: map[string]model.ConversationPreview{}, fail: map[string]error{}, getCalls: map[string]int{}}
	for _, p := range ps {
		f.previews[p.ConversationID] = p
	}
	return f
}

func (f *fakeFetcher) ListConversations(ctx context.Context) ([]model.ConversationPreview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.ConversationPreview, 0, len(f.previews))
	for _, p := range f.previews {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeFetcher) GetPreview(ctx context.Context, id string) (*model.ConversationPreview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[id]++
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	p, ok := f.previews[id]
	if !ok {
		return nil, fmt.Errorf("storeclient.GetPreview: %w", storeclient.ErrNotFound)
	}
	return &p, nil
}

func (f *fakeFetcher) set(p model.ConversationPreview) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews[p.ConversationID] = p
}

func (f *fakeFetcher) setFail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = err
}

func (f *fakeFetcher) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeFetcher) gets(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[id]
}

type fakeSubscriber struct {
	mu           sync.Mutex
	h            pushclient.Handler
	unsubscribed bool
}

func (s *fakeSubscriber) SubscribeGlobal(h pushclient.Handler) (func(), error) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
	h.ChannelState(pushclient.StateConnected, nil)
	return func() {
		s.mu.Lock()
		s.unsubscribed = true
		s.mu.Unlock()
	}, nil
}

func (s *fakeSubscriber) handler() pushclient.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

func preview(id string, unread int, body string, at time.Duration) model.ConversationPreview {
	return model.ConversationPreview{
		ConversationID: id,
		Kind:           model.ConversationDirect,
		UnreadCount:    unread,
		LastMessage:    &model.MessagePreview{MessageID: "m-" + id, Body: body, CreatedAt: t0.Add(at)},
		LastActivityAt: t0.Add(at),
	}
}

func byID(s Snapshot) map[string]model.ConversationPreview {
	out := make(map[string]model.ConversationPreview, len(s.Previews))
	for _, p := range s.Previews {
		out[p.ConversationID] = p
	}
	return out
}

func event(t *testing.T, typ protocol.EventType, payload any) protocol.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return protocol.Envelope{Type: typ, Payload: raw}
}

func TestRefreshAllOrdersByActivity(t *testing.T) {
	f := newFakeFetcher(preview("a", 0, "old", 0), preview("b", 1, "new", time.Minute))
	a := New("u1", f, nil, Options{})
	require.NoError(t, a.RefreshAll(context.Background()))

	snap := a.Snapshot()
	require.Len(t, snap.Previews, 2)
	assert.Equal(t, "b", snap.Previews[0].ConversationID)
	assert.False(t, snap.Stale)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestPartialFailureKeepsLastGood(t *testing.T) {
	f := newFakeFetcher(preview("c1", 0, "one", 0), preview("c2", 0, "two", 0), preview("c3", 0, "three", 0))
	a := New("u1", f, nil, Options{})
	require.NoError(t, a.RefreshAll(context.Background()))

	f.set(preview("c1", 1, "one!", time.Minute))
	f.set(preview("c2", 5, "two!", time.Minute))
	f.set(preview("c3", 2, "three!", time.Minute))
	f.setFail("c2", &storeclient.StatusError{Op: "GetPreview", Status: 503})

	err := a.Refresh(context.Background(), []string{"c1", "c2", "c3"})
	var pe *PartialError
	require.True(t, errors.As(err, &pe))
	assert.Len(t, pe.Failed, 1)
	assert.Contains(t, pe.Failed, "c2")
	assert.True(t, storeclient.IsTransient(err))

	got := byID(a.Snapshot())
	assert.Equal(t, "one!", got["c1"].LastMessage.Body)
	assert.Equal(t, 1, got["c1"].UnreadCount)
	assert.Equal(t, "three!", got["c3"].LastMessage.Body)
	assert.Equal(t, "two", got["c2"].LastMessage.Body, "failed preview retains its prior value")
	assert.Equal(t, 0, got["c2"].UnreadCount)
	assert.True(t, a.Snapshot().Stale)
}

func TestRefreshDropsConversationsGone(t *testing.T) {
	f := newFakeFetcher(preview("c1", 0, "one", 0), preview("c2", 0, "two", 0))
	a := New("u1", f, nil, Options{})
	require.NoError(t, a.RefreshAll(context.Background()))

	f.setFail("c2", fmt.Errorf("storeclient.GetPreview: %w", storeclient.ErrForbidden))
	require.NoError(t, a.Refresh(context.Background(), []string{"c2"}))
	assert.NotContains(t, byID(a.Snapshot()), "c2")
}

func TestColdStartFromCache(t *testing.T) {
	store := memory.New()
	cachedAt := t0.Add(-time.Hour)
	require.NoError(t, store.SavePreviews(context.Background(), "u1", model.PreviewSnapshot{
		Previews:  []model.ConversationPreview{preview("c1", 3, "cached", 0)},
		FetchedAt: cachedAt,
	}))

	f := newFakeFetcher()
	f.listErr = &storeclient.TransientError{Op: "ListConversations", Err: errors.New("connection refused")}

	a := New("u1", f, store, Options{PollInterval: time.Hour})
	require.NoError(t, a.Start(context.Background(), nil))
	defer a.Close()

	snap := a.Snapshot()
	require.Len(t, snap.Previews, 1)
	assert.Equal(t, "cached", snap.Previews[0].LastMessage.Body)
	assert.True(t, snap.Stale)
	assert.Equal(t, cachedAt, snap.FetchedAt)
}

func TestSuccessfulRefreshIsCached(t *testing.T) {
	store := memory.New()
	f := newFakeFetcher(preview("c1", 2, "hi", 0))
	a := New("u1", f, store, Options{PollInterval: time.Hour})
	require.NoError(t, a.Start(context.Background(), nil))
	a.Close()

	snap, err := store.LoadPreviews(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Previews, 1)
	assert.Equal(t, 2, snap.Previews[0].UnreadCount)
}

func TestGlobalEventsRefreshAffectedOnly(t *testing.T) {
	f := newFakeFetcher(preview("c1", 0, "one", 0), preview("c2", 0, "two", 0))
	sub := &fakeSubscriber{}
	var mu sync.Mutex
	var snaps []Snapshot
	a := New("u1", f, nil, Options{PollInterval: time.Hour, OnChange: func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}})
	require.NoError(t, a.Start(context.Background(), sub))
	defer a.Close()
	assert.False(t, a.Degraded())

	f.set(preview("c1", 4, "news", time.Minute))
	sub.handler().HandleEvent(event(t, protocol.EventUnreadCountsChanged, protocol.UnreadCountsChangedPayload{ConversationIDs: []string{"c1"}}))

	require.Eventually(t, func() bool {
		return byID(a.Snapshot())["c1"].UnreadCount == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.gets("c2"))

	sub.handler().HandleEvent(event(t, protocol.EventAttendeeStatusUpdated, protocol.AttendeeStatusPayload{ConversationID: "c2", UserID: "ann", Status: "joined"}))
	require.Eventually(t, func() bool { return f.gets("c2") == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.NotEmpty(t, snaps)
	mu.Unlock()

	before := f.lists()
	sub.handler().Resync()
	require.Eventually(t, func() bool { return f.lists() > before }, 2*time.Second, 5*time.Millisecond)
}

func TestPollsOnlyWhileDegraded(t *testing.T) {
	f := newFakeFetcher(preview("c1", 0, "one", 0))
	sub := &fakeSubscriber{}
	a := New("u1", f, nil, Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, a.Start(context.Background(), sub))
	defer a.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.lists(), "connected: only the initial refresh")

	sub.handler().ChannelState(pushclient.StateReconnecting, errors.New("dropped"))
	require.Eventually(t, func() bool { return f.lists() >= 3 }, 2*time.Second, 5*time.Millisecond)

	sub.handler().ChannelState(pushclient.StateConnected, nil)
	time.Sleep(20 * time.Millisecond)
	n := f.lists()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, f.lists())
}

func TestAcknowledgeRead(t *testing.T) {
	f := newFakeFetcher(preview("c1", 3, "one", time.Minute))
	a := New("u1", f, nil, Options{})
	require.NoError(t, a.RefreshAll(context.Background()))

	a.AcknowledgeRead("c1", t0)
	assert.Equal(t, 3, byID(a.Snapshot())["c1"].UnreadCount, "read does not cover last activity")

	a.AcknowledgeRead("c1", t0.Add(time.Minute))
	assert.Equal(t, 0, byID(a.Snapshot())["c1"].UnreadCount)

	a.AcknowledgeRead("unknown", t0)
}

func TestCloseUnsubscribes(t *testing.T) {
	sub := &fakeSubscriber{}
	a := New("u1", newFakeFetcher(), nil, Options{PollInterval: time.Hour})
	require.NoError(t, a.Start(context.Background(), sub))
	a.Close()
	a.Close()
	sub.mu.Lock()
	assert.True(t, sub.unsubscribed)
	sub.mu.Unlock()
}
