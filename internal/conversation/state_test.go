package conversation

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/model"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func remote(id, corr, sender string, at time.Duration) model.Message {
	return model.Message{
		ID:             id,
		CorrelationID:  corr,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           "body " + id,
		CreatedAt:      t0.Add(at),
		Status:         model.MessageStatusSent,
	}
}

func optimistic(corr string, at time.Duration) model.Message {
	return model.Message{CorrelationID: corr, ConversationID: "c1", SenderID: "me", Body: "hello", CreatedAt: t0.Add(at)}
}

func assertOrdered(t *testing.T, msgs []model.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		a, b := msgs[i-1], msgs[i]
		ok := a.CreatedAt.Before(b.CreatedAt) ||
			(a.CreatedAt.Equal(b.CreatedAt) && a.CorrelationID <= b.CorrelationID)
		require.True(t, ok, "out of order at %d: %s@%v then %s@%v", i, a.CorrelationID, a.CreatedAt, b.CorrelationID, b.CreatedAt)
	}
}

func assertUniqueCorrelation(t *testing.T, msgs []model.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for _, m := range msgs {
		require.False(t, seen[m.CorrelationID], "duplicate correlation id %s", m.CorrelationID)
		seen[m.CorrelationID] = true
	}
}

func TestBasicRoundTrip(t *testing.T) {
	s := NewState("c1", "me", 0)
	require.True(t, s.InsertOptimistic(optimistic("c1", 0)))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageStatusSending, msgs[0].Status)
	assert.Empty(t, msgs[0].ID)

	server := remote("m1", "c1", "me", time.Second)
	require.True(t, s.ReconcileAck("c1", server))

	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, model.MessageStatusSent, msgs[0].Status)
	assert.Equal(t, server.CreatedAt, msgs[0].CreatedAt)
}

func TestInsertOptimisticNeverOverwrites(t *testing.T) {
	s := NewState("c1", "me", 0)
	require.True(t, s.InsertOptimistic(optimistic("c1", 0)))
	m := optimistic("c1", time.Minute)
	m.Body = "other"
	assert.False(t, s.InsertOptimistic(m))
	assert.Equal(t, "hello", s.Messages()[0].Body)
	assert.False(t, s.InsertOptimistic(model.Message{Body: "no correlation"}))
}

func TestIdempotentAck(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("c1", 0))
	ack := remote("m1", "c1", "me", time.Second)

	require.True(t, s.ReconcileAck("c1", ack))
	once := s.Messages()
	v := s.Version()

	assert.False(t, s.ReconcileAck("c1", ack))
	assert.Equal(t, once, s.Messages())
	assert.Equal(t, v, s.Version())
}

func TestDuplicatePushAfterAck(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("c1", 0))
	ack := remote("m1", "c1", "me", time.Second)
	s.ReconcileAck("c1", ack)

	assert.False(t, s.ApplyRemoteMessage(ack))
	assert.Equal(t, 1, s.Len())
}

func TestPushBeforeAckSettlesPlaceholder(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("c1", 0))
	push := remote("m1", "c1", "me", time.Second)

	require.True(t, s.ApplyRemoteMessage(push))
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "m1", s.Messages()[0].ID)

	assert.False(t, s.ReconcileAck("c1", push))
	assert.Equal(t, 1, s.Len())
}

func TestAckReordersByServerTimestamp(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("a-local", 5*time.Second))
	s.ApplyRemoteMessage(remote("m2", "b-remote", "ann", 3*time.Second))

	msgs := s.Messages()
	assert.Equal(t, "b-remote", msgs[0].CorrelationID)

	s.ReconcileAck("a-local", remote("m1", "a-local", "me", time.Second))
	msgs = s.Messages()
	assert.Equal(t, "a-local", msgs[0].CorrelationID)
	assertOrdered(t, msgs)
}

func TestAckForUnknownCorrelationInserts(t *testing.T) {
	s := NewState("c1", "me", 0)
	assert.True(t, s.ReconcileAck("k9", remote("m9", "", "me", 0)))
	m, ok := s.Lookup("k9")
	require.True(t, ok)
	assert.Equal(t, "m9", m.ID)
}

func TestLateAckRecoversFailed(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("c1", 0))
	require.True(t, s.MarkFailed("c1"))
	require.True(t, s.ReconcileAck("c1", remote("m1", "c1", "me", 0)))
	m, _ := s.Lookup("c1")
	assert.Equal(t, model.MessageStatusSent, m.Status)
}

func TestTieBreakOnCorrelationID(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.ApplyRemoteMessage(remote("m2", "zz", "ann", 0))
	s.ApplyRemoteMessage(remote("m1", "aa", "bob", 0))
	msgs := s.Messages()
	assert.Equal(t, "aa", msgs[0].CorrelationID)
	assert.Equal(t, "zz", msgs[1].CorrelationID)
}

func TestMergeResyncConvergesPending(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("c1", 0))
	s.ApplyRemoteMessage(remote("m0", "k0", "ann", -time.Minute))

	page := []model.Message{
		remote("m0", "k0", "ann", -time.Minute),
		remote("m1", "c1", "me", time.Second),
		remote("m2", "k2", "ann", 2*time.Second),
	}
	require.True(t, s.Merge(page))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	m, _ := s.Lookup("c1")
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, model.MessageStatusSent, m.Status)
	assert.Empty(t, s.Pending())
	assertOrdered(t, msgs)

	assert.False(t, s.Merge(page))
}

func TestMergeOnlyMovesStatusForward(t *testing.T) {
	s := NewState("c1", "me", 0)
	m := remote("m1", "k1", "me", 0)
	m.Status = model.MessageStatusRead
	s.ApplyRemoteMessage(m)

	stale := remote("m1", "k1", "me", 0)
	assert.False(t, s.Merge([]model.Message{stale}))
	got, _ := s.LookupID("m1")
	assert.Equal(t, model.MessageStatusRead, got.Status)

	deleted := stale
	deleted.IsDeleted = true
	assert.True(t, s.Merge([]model.Message{deleted}))
	got, _ = s.LookupID("m1")
	assert.True(t, got.IsDeleted)
	assert.Empty(t, got.Body)
}

func TestReadReceiptFromOtherMarksOwnMessages(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.ApplyRemoteMessage(remote("m1", "k1", "me", 0))
	s.ApplyRemoteMessage(remote("m2", "k2", "ann", time.Second))
	s.ApplyRemoteMessage(remote("m3", "k3", "me", 5*time.Second))
	s.InsertOptimistic(optimistic("k4", 2*time.Second))

	require.True(t, s.ApplyReadReceipt("ann", t0.Add(3*time.Second)))

	m1, _ := s.LookupID("m1")
	m2, _ := s.LookupID("m2")
	m3, _ := s.LookupID("m3")
	k4, _ := s.Lookup("k4")
	assert.Equal(t, model.MessageStatusRead, m1.Status)
	assert.Equal(t, model.MessageStatusSent, m2.Status, "others' messages untouched")
	assert.Equal(t, model.MessageStatusSent, m3.Status, "after the receipt")
	assert.Equal(t, model.MessageStatusSending, k4.Status, "pending untouched")

	assert.False(t, s.ApplyReadReceipt("ann", t0.Add(3*time.Second)))
	assert.False(t, s.ApplyReadReceipt("ann", t0), "older receipt does not regress")
	m1, _ = s.LookupID("m1")
	assert.Equal(t, model.MessageStatusRead, m1.Status)
}

func TestSelfReadReceiptLowersUnread(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.ApplyRemoteMessage(remote("m1", "k1", "ann", time.Second))
	s.ApplyRemoteMessage(remote("m2", "k2", "ann", 2*time.Second))
	s.ApplyRemoteMessage(remote("m3", "k3", "me", 3*time.Second))
	assert.Equal(t, 2, s.UnreadCount())

	s.ApplyReadReceipt("me", t0.Add(time.Second))
	assert.Equal(t, 1, s.UnreadCount())
	s.ApplyReadReceipt("me", t0)
	assert.Equal(t, 1, s.UnreadCount())
	assert.Equal(t, t0.Add(time.Second), s.ReadWatermark())
}

func TestDeletionTombstones(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.ApplyRemoteMessage(remote("m1", "k1", "ann", 0))
	require.True(t, s.ApplyDeletion("m1"))
	assert.False(t, s.ApplyDeletion("m1"))
	assert.False(t, s.ApplyDeletion("unknown"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Body)
	assert.Equal(t, 1, s.PersistedCount())
}

func TestTypingExpiry(t *testing.T) {
	s := NewState("c1", "me", 3*time.Second)
	now := t0
	require.True(t, s.SetTyping([]model.TypingUser{{UserID: "ann", DisplayName: "Ann"}, {UserID: "me"}}, now))
	assert.Equal(t, []model.TypingUser{{UserID: "ann", DisplayName: "Ann"}}, s.Typing())

	assert.False(t, s.PruneExpiredTyping(now.Add(2*time.Second)))
	assert.Len(t, s.Typing(), 1)

	assert.True(t, s.PruneExpiredTyping(now.Add(3*time.Second+time.Millisecond)))
	assert.Empty(t, s.Typing())
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	s := NewState("c1", "me", 3*time.Second)
	ann := []model.TypingUser{{UserID: "ann", DisplayName: "Ann"}}
	s.SetTyping(ann, t0)
	assert.False(t, s.SetTyping(ann, t0.Add(2*time.Second)), "refresh is not a visible change")
	assert.False(t, s.PruneExpiredTyping(t0.Add(4*time.Second)))
	assert.True(t, s.SetTyping(nil, t0.Add(4*time.Second)))
	assert.Empty(t, s.Typing())
}

func TestDiscardFailedOnly(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("k1", 0))
	assert.False(t, s.Discard("k1"), "pending cannot be discarded")
	s.MarkFailed("k1")
	require.True(t, s.Discard("k1"))
	assert.Equal(t, 0, s.Len())
	_, ok := s.Lookup("k1")
	assert.False(t, ok)

	require.True(t, s.InsertOptimistic(optimistic("k1", time.Second)), "slot is free again")
}

func TestRetryTransitions(t *testing.T) {
	s := NewState("c1", "me", 0)
	s.InsertOptimistic(optimistic("k1", 0))
	assert.False(t, s.MarkSending("k1"))
	assert.True(t, s.MarkFailed("k1"))
	assert.False(t, s.MarkFailed("k1"))
	assert.True(t, s.MarkSending("k1"))
	assert.Len(t, s.Pending(), 1)
}

// Random interleavings of pushes, acks, optimistic inserts and duplicates.
func TestRandomInterleavingsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		s := NewState("c1", "me", 0)
		type op func()
		var ops []op
		for i := 0; i < 12; i++ {
			corr := fmt.Sprintf("k%02d", rng.Intn(8))
			id := "m-" + corr
			at := time.Duration(rng.Intn(5)) * time.Second
			switch rng.Intn(4) {
			case 0:
				ops = append(ops, func() { s.InsertOptimistic(optimistic(corr, at)) })
			case 1:
				ops = append(ops, func() { s.ReconcileAck(corr, remote(id, corr, "me", at)) })
			case 2:
				ops = append(ops, func() { s.ApplyRemoteMessage(remote(id, corr, "ann", at)) })
			default:
				ops = append(ops, func() { s.Merge([]model.Message{remote(id, corr, "ann", at)}) })
			}
		}
		rng.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })
		for _, o := range ops {
			o()
			msgs := s.Messages()
			assertUniqueCorrelation(t, msgs)
			assertOrdered(t, msgs)
		}
	}
}

func TestReadReceiptsNeverRaiseUnread(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewState("c1", "me", 0)
	for i := 0; i < 30; i++ {
		sender := "ann"
		if i%3 == 0 {
			sender = "me"
		}
		s.ApplyRemoteMessage(remote(fmt.Sprintf("m%d", i), fmt.Sprintf("k%d", i), sender, time.Duration(i)*time.Second))
	}
	for i := 0; i < 50; i++ {
		before := s.UnreadCount()
		user := "me"
		if rng.Intn(2) == 0 {
			user = "ann"
		}
		s.ApplyReadReceipt(user, t0.Add(time.Duration(rng.Intn(40))*time.Second))
		assert.LessOrEqual(t, s.UnreadCount(), before)
	}
}
