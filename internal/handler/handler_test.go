package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/middleware"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
	"github.com/convsync/internal/repository/memory"
	storagememory "github.com/convsync/internal/storage/memory"
)

type fakePublisher struct {
	mu         sync.Mutex
	messages   []model.Message
	created    []bool
	reads      []string
	membership []string
}

func (p *fakePublisher) PublishNewMessage(ctx context.Context, m model.Message, created bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
	p.created = append(p.created, created)
}

func (p *fakePublisher) PublishRead(conversationID, userID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, conversationID+"/"+userID)
}

func (p *fakePublisher) PublishMembership(conv model.Conversation, joined []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.membership = append(p.membership, conv.ID)
}

type api struct {
	t     *testing.T
	store *memory.Store
	pub   *fakePublisher
	srv   http.Handler
	conv  *model.Conversation
}

func newAPI(t *testing.T, sendLimit int) *api {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, u := range []model.User{{ID: "ann", DisplayName: "Ann"}, {ID: "bob", DisplayName: "Bob"}, {ID: "carl", DisplayName: "Carl"}} {
		_, err := store.UpsertUser(ctx, u)
		require.NoError(t, err)
	}
	conv, _, err := store.GetOrCreateDirect(ctx, "ann", "bob")
	require.NoError(t, err)

	pub := &fakePublisher{}
	r := chi.NewRouter()
	r.Use(middleware.Identity)
	Mount(r, NewConversationHandler(store, pub), NewMessageHandler(store, pub, storagememory.New(), sendLimit))
	return &api{t: t, store: store, pub: pub, srv: r, conv: conv}
}

func (a *api) do(user, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(protocol.UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *api) send(user, corr, body string) *httptest.ResponseRecorder {
	return a.do(user, http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: a.conv.ID,
		SenderID:       user,
		Body:           body,
		CorrelationID:  corr,
	})
}

func TestRequiresIdentity(t *testing.T) {
	a := newAPI(t, 0)
	rec := a.do("", http.MethodGet, "/api/users/ann/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateMessageIsIdempotent(t *testing.T) {
	a := newAPI(t, 0)

	rec := a.send("ann", "c1", "hello")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[model.Message](t, rec)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, model.MessageStatusSent, first.Status)

	rec = a.send("ann", "c1", "hello")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[model.Message](t, rec).ID)

	assert.Equal(t, []bool{true, false}, a.pub.created)
}

func TestCreateMessageChecks(t *testing.T) {
	a := newAPI(t, 0)

	rec := a.do("ann", http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: a.conv.ID, SenderID: "bob", Body: "spoof", CorrelationID: "c1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, http.StatusBadRequest, a.send("ann", "c1", "  ").Code)
	assert.Equal(t, http.StatusBadRequest, a.send("ann", "", "body").Code)
	assert.Equal(t, http.StatusForbidden, a.send("carl", "c1", "not mine").Code)
	assert.Empty(t, a.pub.messages)
}

func TestSendRateLimited(t *testing.T) {
	a := newAPI(t, 1)
	require.Equal(t, http.StatusCreated, a.send("ann", "c1", "one").Code)
	assert.Equal(t, http.StatusTooManyRequests, a.send("ann", "c2", "two").Code)
	assert.Equal(t, http.StatusCreated, a.send("bob", "c1", "other sender").Code)
}

func TestGetMessagesPaging(t *testing.T) {
	a := newAPI(t, 0)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, body := range []string{"m0", "m1", "m2", "m3", "m4"} {
		at := base.Add(time.Duration(i) * time.Second)
		a.store.SetClock(func() time.Time { return at })
		require.Equal(t, http.StatusCreated, a.send("ann", body, body).Code)
	}

	rec := a.do("bob", http.MethodGet, "/api/conversations/"+a.conv.ID+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[model.MessagePage](t, rec)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m3", page.Messages[0].Body)
	assert.Equal(t, "m4", page.Messages[1].Body)
	assert.True(t, page.HasMore)

	rec = a.do("bob", http.MethodGet, "/api/conversations/"+a.conv.ID+"/messages?skip=3&limit=2", nil)
	page = decode[model.MessagePage](t, rec)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m0", page.Messages[0].Body)
	assert.False(t, page.HasMore)

	assert.Equal(t, http.StatusForbidden, a.do("carl", http.MethodGet, "/api/conversations/"+a.conv.ID+"/messages", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do("bob", http.MethodGet, "/api/conversations/nope/messages", nil).Code)
}

func TestMarkReadIsMonotonic(t *testing.T) {
	a := newAPI(t, 0)
	require.Equal(t, http.StatusCreated, a.send("ann", "c1", "hi").Code)

	h := NewMessageHandler(a.store, a.pub, nil, 0)
	later := time.Now().UTC().Add(time.Hour)
	h.now = func() time.Time { return later }
	r := chi.NewRouter()
	r.Use(middleware.Identity)
	r.Post("/api/conversations/{id}/read", h.MarkRead)
	a.srv = r

	rec := a.do("bob", http.MethodPost, "/api/conversations/"+a.conv.ID+"/read", MarkReadRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[MarkReadResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.ReadAt.Equal(later))

	h.now = func() time.Time { return later.Add(-time.Minute) }
	resp = decode[MarkReadResponse](t, a.do("bob", http.MethodPost, "/api/conversations/"+a.conv.ID+"/read", nil))
	assert.True(t, resp.ReadAt.Equal(later), "watermark never moves back")

	assert.Equal(t, http.StatusForbidden, a.do("bob", http.MethodPost, "/api/conversations/"+a.conv.ID+"/read", MarkReadRequest{UserID: "ann"}).Code)
	assert.Equal(t, http.StatusForbidden, a.do("carl", http.MethodPost, "/api/conversations/"+a.conv.ID+"/read", nil).Code)
	assert.Equal(t, []string{a.conv.ID + "/bob", a.conv.ID + "/bob"}, a.pub.reads)

	p, err := a.store.GetPreview(context.Background(), a.conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, p.UnreadCount)
}

func TestConversationListAndPreview(t *testing.T) {
	a := newAPI(t, 0)
	require.Equal(t, http.StatusCreated, a.send("ann", "c1", "unread for bob").Code)

	rec := a.do("bob", http.MethodGet, "/api/users/bob/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]model.ConversationPreview](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, "Ann", list[0].Title)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "unread for bob", list[0].LastMessage.Body)

	assert.Equal(t, http.StatusForbidden, a.do("bob", http.MethodGet, "/api/users/ann/conversations", nil).Code)

	rec = a.do("ann", http.MethodGet, "/api/conversations/"+a.conv.ID+"/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[model.ConversationPreview](t, rec).UnreadCount, "own messages are never unread")

	assert.Equal(t, http.StatusNotFound, a.do("carl", http.MethodGet, "/api/conversations/"+a.conv.ID+"/preview", nil).Code)

	rec = a.do("carl", http.MethodGet, "/api/users/carl/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateDirect(t *testing.T) {
	a := newAPI(t, 0)

	rec := a.do("ann", http.MethodPost, "/api/direct-conversations", DirectConversationRequest{UserAID: "bob", UserBID: "ann"})
	require.Equal(t, http.StatusOK, rec.Code, "existing pair in either order")
	assert.Equal(t, a.conv.ID, decode[model.Conversation](t, rec).ID)
	assert.Empty(t, a.pub.membership)

	rec = a.do("ann", http.MethodPost, "/api/direct-conversations", DirectConversationRequest{
		UserAID:      "ann",
		UserBID:      "dave",
		DisplayNames: map[string]string{"dave": "Dave"},
		Avatars:      map[string]string{"dave": "avatars/dave.png"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[model.Conversation](t, rec)
	assert.Equal(t, model.ConversationDirect, conv.Kind)
	assert.ElementsMatch(t, []string{"ann", "dave"}, conv.ParticipantIDs)
	assert.Equal(t, []string{conv.ID}, a.pub.membership)

	dave, err := a.store.GetUser(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, "Dave", dave.DisplayName)
	assert.Equal(t, "avatars/dave.png", dave.AvatarRef)

	assert.Equal(t, http.StatusNotFound, a.do("ann", http.MethodPost, "/api/direct-conversations", DirectConversationRequest{UserAID: "ann", UserBID: "ghost"}).Code)
	assert.Equal(t, http.StatusForbidden, a.do("carl", http.MethodPost, "/api/direct-conversations", DirectConversationRequest{UserAID: "ann", UserBID: "bob"}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do("ann", http.MethodPost, "/api/direct-conversations", DirectConversationRequest{UserAID: "ann", UserBID: "ann"}).Code)
}

func TestCreateGroup(t *testing.T) {
	a := newAPI(t, 0)

	rec := a.do("ann", http.MethodPost, "/api/group-conversations", GroupConversationRequest{
		Title:          "Trip",
		ParticipantIDs: []string{"bob", "carl", "bob", "ann"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[model.Conversation](t, rec)
	assert.Equal(t, model.ConversationGroup, conv.Kind)
	assert.Equal(t, "Trip", conv.Title)
	assert.ElementsMatch(t, []string{"ann", "bob", "carl"}, conv.ParticipantIDs)
	assert.Equal(t, []string{conv.ID}, a.pub.membership)

	assert.Equal(t, http.StatusBadRequest, a.do("ann", http.MethodPost, "/api/group-conversations", GroupConversationRequest{ParticipantIDs: []string{"bob"}}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do("ann", http.MethodPost, "/api/group-conversations", GroupConversationRequest{Title: "solo", ParticipantIDs: []string{"ann"}}).Code)
	assert.Equal(t, http.StatusNotFound, a.do("ann", http.MethodPost, "/api/group-conversations", GroupConversationRequest{Title: "x", ParticipantIDs: []string{"ghost"}}).Code)
}
