package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/metrics"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
)

var (
	ErrEmptyBody      = errors.New("conversation: message body is empty")
	ErrUnknownMessage = errors.New("conversation: unknown correlation id")
	ErrNotFailed      = errors.New("conversation: message is not in failed state")
)

// DefaultAckTimeout bounds how long a message may stay in sending state.
const DefaultAckTimeout = 10 * time.Second

// Scheduler supplies time to the send and typing pipelines. Callbacks must run on the
// goroutine that owns the State.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Emitter writes one event to the push channel.
type Emitter func(protocol.ClientMessage) error

type pendingTimer struct {
	gen  uint64
	stop func() bool
}

// Outbound turns composed text into optimistic entries and tracks their acks.
// It is driven from the same goroutine as its State.
type Outbound struct {
	state          *State
	self           model.User
	conversationID string
	emit           Emitter
	sched          Scheduler
	ackTimeout     time.Duration
	newID          func() string

	gen    uint64
	timers map[string]pendingTimer
}

func NewOutbound(state *State, self model.User, conversationID string, emit Emitter, sched Scheduler, ackTimeout time.Duration) *Outbound {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Outbound{
		state:          state,
		self:           self,
		conversationID: conversationID,
		emit:           emit,
		sched:          sched,
		ackTimeout:     ackTimeout,
		newID:          uuid.NewString,
		timers:         make(map[string]pendingTimer),
	}
}

// Send inserts an optimistic message and emits it. replyTo may be nil.
func (o *Outbound) Send(text string, replyTo *model.Message) (model.Message, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return model.Message{}, ErrEmptyBody
	}
	m := model.Message{
		CorrelationID:     o.newID(),
		ConversationID:    o.conversationID,
		SenderID:          o.self.ID,
		SenderDisplayName: o.self.DisplayName,
		SenderAvatarRef:   o.self.AvatarRef,
		Body:              body,
		CreatedAt:         o.sched.Now(),
	}
	if replyTo != nil {
		m.ReplyTo = model.NewReplyRef(*replyTo)
	}
	if !o.state.InsertOptimistic(m) {
		return model.Message{}, ErrUnknownMessage
	}
	m, _ = o.state.Lookup(m.CorrelationID)
	o.transmit(m)
	return m, nil
}

func (o *Outbound) transmit(m model.Message) {
	o.arm(m.CorrelationID)
	err := o.emit(protocol.ClientMessage{
		Type:           protocol.EventSendMessage,
		ConversationID: o.conversationID,
		CorrelationID:  m.CorrelationID,
		Body:           m.Body,
		ReplyTo:        m.ReplyTo,
	})
	if err != nil {
		// The timer stays armed; a reconnect re-emits pending messages.
		logger.Warnf("outbound: conversation=%s correlation=%s emit: %v", o.conversationID, m.CorrelationID, err)
	}
}

func (o *Outbound) arm(correlationID string) {
	o.disarm(correlationID)
	o.gen++
	gen := o.gen
	stop := o.sched.AfterFunc(o.ackTimeout, func() { o.expire(correlationID, gen) })
	o.timers[correlationID] = pendingTimer{gen: gen, stop: stop}
}

func (o *Outbound) disarm(correlationID string) {
	if t, ok := o.timers[correlationID]; ok {
		t.stop()
		delete(o.timers, correlationID)
	}
}

func (o *Outbound) expire(correlationID string, gen uint64) {
	t, ok := o.timers[correlationID]
	if !ok || t.gen != gen {
		return
	}
	delete(o.timers, correlationID)
	if o.state.MarkFailed(correlationID) {
		metrics.SendsFailed.WithLabelValues("timeout").Inc()
		logger.Warnf("outbound: conversation=%s correlation=%s no ack within %v", o.conversationID, correlationID, o.ackTimeout)
	}
}

// Ack reconciles the server's copy of a sent message.
func (o *Outbound) Ack(server model.Message) bool {
	o.disarm(server.CorrelationID)
	return o.state.ReconcileAck(server.CorrelationID, server)
}

// Settle stops the ack timer of a message that was confirmed by other means.
func (o *Outbound) Settle(correlationID string) {
	o.disarm(correlationID)
}

// Rejected marks a message failed after the server refused it.
func (o *Outbound) Rejected(correlationID, reason string) bool {
	o.disarm(correlationID)
	if !o.state.MarkFailed(correlationID) {
		return false
	}
	metrics.SendsFailed.WithLabelValues("rejected").Inc()
	logger.Warnf("outbound: conversation=%s correlation=%s rejected: %s", o.conversationID, correlationID, reason)
	return true
}

// Retry re-sends a failed message under its original correlation id.
func (o *Outbound) Retry(correlationID string) error {
	m, ok := o.state.Lookup(correlationID)
	if !ok {
		return ErrUnknownMessage
	}
	if !o.state.MarkSending(correlationID) {
		return ErrNotFailed
	}
	m.Status = model.MessageStatusSending
	o.transmit(m)
	return nil
}

// Discard drops a failed message that never reached the server.
func (o *Outbound) Discard(correlationID string) error {
	if _, ok := o.state.Lookup(correlationID); !ok {
		return ErrUnknownMessage
	}
	if !o.state.Discard(correlationID) {
		return ErrNotFailed
	}
	o.disarm(correlationID)
	return nil
}

// Reemit re-sends every pending message with a fresh ack window. The store deduplicates
// on (sender, correlation id), so a message that did land is only acknowledged again.
func (o *Outbound) Reemit() int {
	pending := o.state.Pending()
	for _, m := range pending {
		o.transmit(m)
	}
	return len(pending)
}

// Armed reports whether an ack timer is running for the correlation id.
func (o *Outbound) Armed(correlationID string) bool {
	_, ok := o.timers[correlationID]
	return ok
}

// Cancel stops all ack timers.
func (o *Outbound) Cancel() {
	for corr := range o.timers {
		o.disarm(corr)
	}
}
