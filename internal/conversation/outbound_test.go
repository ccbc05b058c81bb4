package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
)

var me = model.User{ID: "me", DisplayName: "Me"}

func newOutbound() (*Outbound, *State, *fakeClock, *recorder) {
	st := NewState("c1", me.ID, 0)
	clk := newFakeClock()
	rec := &recorder{}
	return NewOutbound(st, me, "c1", rec.emit, clk, 10*time.Second), st, clk, rec
}

func TestSendRejectsBlankText(t *testing.T) {
	o, st, _, rec := newOutbound()
	_, err := o.Send("   \n\t", nil)
	assert.ErrorIs(t, err, ErrEmptyBody)
	assert.Equal(t, 0, st.Len())
	assert.Empty(t, rec.sent)
}

func TestSendInsertsAndEmits(t *testing.T) {
	o, st, _, rec := newOutbound()
	m, err := o.Send("  hello  ", nil)
	require.NoError(t, err)

	_, perr := uuid.Parse(m.CorrelationID)
	assert.NoError(t, perr)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, model.MessageStatusSending, m.Status)
	assert.Equal(t, 1, st.Len())

	sends := rec.ofType(protocol.EventSendMessage)
	require.Len(t, sends, 1)
	assert.Equal(t, m.CorrelationID, sends[0].CorrelationID)
	assert.Equal(t, "c1", sends[0].ConversationID)
	assert.Equal(t, "hello", sends[0].Body)
	assert.True(t, o.Armed(m.CorrelationID))
}

func TestSendWithReply(t *testing.T) {
	o, _, _, rec := newOutbound()
	target := model.Message{ID: "m7", CorrelationID: "k7", SenderDisplayName: "Ann", Body: "see you at eight"}
	m, err := o.Send("ok", &target)
	require.NoError(t, err)
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, "m7", m.ReplyTo.MessageID)
	assert.Equal(t, "see you at eight", m.ReplyTo.Snippet)
	assert.Equal(t, m.ReplyTo, rec.ofType(protocol.EventSendMessage)[0].ReplyTo)
}

func TestConcurrentSendsAreIndependent(t *testing.T) {
	o, st, _, _ := newOutbound()
	a, _ := o.Send("one", nil)
	b, _ := o.Send("two", nil)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)

	o.Ack(model.Message{ID: "m2", CorrelationID: b.CorrelationID, CreatedAt: t0, Status: model.MessageStatusSent})
	assert.True(t, o.Armed(a.CorrelationID))
	assert.False(t, o.Armed(b.CorrelationID))
	assert.Len(t, st.Pending(), 1)
}

func TestAckTimeoutMarksFailed(t *testing.T) {
	o, st, clk, _ := newOutbound()
	m, _ := o.Send("hello", nil)

	clk.Advance(9 * time.Second)
	got, _ := st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusSending, got.Status)

	clk.Advance(time.Second)
	got, _ = st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusFailed, got.Status)
	assert.Equal(t, 1, st.Len(), "failed messages stay in the list")
}

func TestAckBeforeTimeoutStopsTimer(t *testing.T) {
	o, st, clk, _ := newOutbound()
	m, _ := o.Send("hello", nil)
	o.Ack(model.Message{ID: "m1", CorrelationID: m.CorrelationID, CreatedAt: t0.Add(time.Second), Status: model.MessageStatusSent})

	clk.Advance(time.Minute)
	got, _ := st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusSent, got.Status)
	assert.Equal(t, 0, clk.active())
}

func TestRetryKeepsCorrelationAndLateAckReconciles(t *testing.T) {
	o, st, clk, rec := newOutbound()
	m, _ := o.Send("hello", nil)
	clk.Advance(10 * time.Second)

	require.NoError(t, o.Retry(m.CorrelationID))
	got, _ := st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusSending, got.Status)

	sends := rec.ofType(protocol.EventSendMessage)
	require.Len(t, sends, 2)
	assert.Equal(t, sends[0].CorrelationID, sends[1].CorrelationID)

	// Ack for the first attempt lands after the retry.
	o.Ack(model.Message{ID: "m1", CorrelationID: m.CorrelationID, CreatedAt: t0, Status: model.MessageStatusSent})
	assert.Equal(t, 1, st.Len())
	got, _ = st.Lookup(m.CorrelationID)
	assert.Equal(t, "m1", got.ID)

	clk.Advance(time.Minute)
	got, _ = st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusSent, got.Status)
}

func TestStaleTimerAfterRetryIsIgnored(t *testing.T) {
	o, st, clk, _ := newOutbound()
	m, _ := o.Send("hello", nil)
	require.True(t, o.Rejected(m.CorrelationID, "rate_limited"))
	clk.Advance(5 * time.Second)
	require.NoError(t, o.Retry(m.CorrelationID))

	clk.Advance(6 * time.Second)
	got, _ := st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusSending, got.Status, "first window would have ended here")

	clk.Advance(4 * time.Second)
	got, _ = st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusFailed, got.Status)
}

func TestRetryAndDiscardErrors(t *testing.T) {
	o, st, _, _ := newOutbound()
	assert.ErrorIs(t, o.Retry("nope"), ErrUnknownMessage)
	assert.ErrorIs(t, o.Discard("nope"), ErrUnknownMessage)

	m, _ := o.Send("hello", nil)
	assert.ErrorIs(t, o.Retry(m.CorrelationID), ErrNotFailed)
	assert.ErrorIs(t, o.Discard(m.CorrelationID), ErrNotFailed)

	o.Rejected(m.CorrelationID, "forbidden")
	require.NoError(t, o.Discard(m.CorrelationID))
	assert.Equal(t, 0, st.Len())
}

func TestEmitErrorKeepsMessagePending(t *testing.T) {
	o, st, clk, rec := newOutbound()
	rec.err = errors.New("not connected")
	m, err := o.Send("hello", nil)
	require.NoError(t, err)
	got, _ := st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusSending, got.Status)

	rec.err = nil
	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, o.Reemit())
	clk.Advance(9 * time.Second)
	got, _ = st.Lookup(m.CorrelationID)
	assert.Equal(t, model.MessageStatusSending, got.Status)
	assert.Len(t, rec.ofType(protocol.EventSendMessage), 2)
}

func TestCancelStopsAllTimers(t *testing.T) {
	o, st, clk, _ := newOutbound()
	a, _ := o.Send("a", nil)
	b, _ := o.Send("b", nil)
	o.Cancel()
	clk.Advance(time.Minute)
	for _, corr := range []string{a.CorrelationID, b.CorrelationID} {
		got, _ := st.Lookup(corr)
		assert.Equal(t, model.MessageStatusSending, got.Status)
	}
	assert.Equal(t, 0, clk.active())
}
