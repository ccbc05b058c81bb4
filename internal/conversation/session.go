package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/convsync/internal/history"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
	"github.com/convsync/internal/pushclient"
)

var ErrClosed = errors.New("conversation: session closed")

// DefaultPruneInterval is how often expired typing entries are dropped.
const DefaultPruneInterval = time.Second

const inboxSize = 256

// Channel is the part of *pushclient.Client a session uses.
type Channel interface {
	Attach(conversationID string, h pushclient.Handler) (detach func(), err error)
	Emit(protocol.ClientMessage) error
}

// History is satisfied by *history.Loader.
type History interface {
	Latest(ctx context.Context, conversationID string) (*history.Page, error)
	Older(ctx context.Context, conversationID string, loaded int) (*history.Page, error)
}

// ReadMarker is the durable half of mark-read; satisfied by *storeclient.Client.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) (time.Time, error)
}

type Options struct {
	AckTimeout     time.Duration
	TypingDebounce time.Duration
	TypingIdle     time.Duration
	TypingExpiry   time.Duration
	PruneInterval  time.Duration

	// Clock defaults to wall time.
	Clock Scheduler

	// OnChange receives a fresh View after every visible change. It runs on the session
	// goroutine and must not call back into the session.
	OnChange func(View)
	// OnReadAcknowledged is called once the store has persisted a read.
	OnReadAcknowledged func(conversationID string, at time.Time)
}

// View is an immutable snapshot of the conversation for rendering.
type View struct {
	ConversationID string
	Messages       []model.Message
	Typing         []model.TypingUser
	UnreadCount    int
	HasMore        bool
	Loading        bool
	LoadErr        error
	Connection     pushclient.State
	ConnectionErr  error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// loopScheduler runs timer callbacks on the session goroutine.
type loopScheduler struct {
	clock Scheduler
	s     *Session
}

func (l loopScheduler) Now() time.Time { return l.clock.Now() }

func (l loopScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return l.clock.AfterFunc(d, func() { l.s.post(f) })
}

// Session is one open conversation. All of its state is owned by a single goroutine that runs
// closures from the inbox; push events, timer callbacks and fetch results are posted there.
// After Close nothing mutates the state.
type Session struct {
	id      string
	self    model.User
	channel Channel
	hist    History
	reads   ReadMarker
	opts    Options
	sched   Scheduler

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan func()
	loopDone  chan struct{}
	closeOnce sync.Once
	detach    func()

	// Owned by the loop.
	state        *State
	out          *Outbound
	typing       *TypingEmitter
	hasMore      bool
	loading      bool
	loadErr      error
	conn         pushclient.State
	connErr      error
	focused      bool
	lastMarked   time.Time
	markInFlight bool
	lastVersion  uint64
	metaDirty    bool
	stopPrune    func() bool
}

// Open attaches to the conversation's room and starts loading its latest page.
// The session closes when ctx is done or Close is called.
func Open(ctx context.Context, conversationID string, self model.User, channel Channel, hist History, reads ReadMarker, opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       conversationID,
		self:     self,
		channel:  channel,
		hist:     hist,
		reads:    reads,
		opts:     opts,
		ctx:      sctx,
		cancel:   cancel,
		inbox:    make(chan func(), inboxSize),
		loopDone: make(chan struct{}),
		loading:  true,
	}
	s.sched = loopScheduler{clock: opts.Clock, s: s}
	s.state = NewState(conversationID, self.ID, opts.TypingExpiry)
	s.out = NewOutbound(s.state, self, conversationID, s.emit, s.sched, opts.AckTimeout)
	s.typing = NewTypingEmitter(conversationID, s.emit, s.sched, opts.TypingDebounce, opts.TypingIdle)

	go s.loop()

	detach, err := channel.Attach(conversationID, handler{s})
	if err != nil {
		cancel()
		<-s.loopDone
		return nil, err
	}
	s.detach = detach
	go s.closeWith(ctx)

	s.post(func() {
		s.schedulePrune()
		s.load(false)
	})
	return s, nil
}

// closeWith closes the session once the caller's context is done.
func (s *Session) closeWith(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.loopDone:
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) emit(m protocol.ClientMessage) error { return s.channel.Emit(m) }

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.inbox:
			if s.ctx.Err() != nil {
				return
			}
			f()
			s.notify()
		}
	}
}

// post queues f on the session goroutine; it reports false once the session is closed.
func (s *Session) post(f func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.inbox <- f:
		return true
	}
}

// do runs f on the session goroutine and waits for it.
func (s *Session) do(f func()) error {
	done := make(chan struct{})
	if !s.post(func() { f(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		return ErrClosed
	}
}

func (s *Session) notify() {
	v := s.state.Version()
	if v == s.lastVersion && !s.metaDirty {
		return
	}
	s.lastVersion = v
	s.metaDirty = false
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.view())
	}
}

func (s *Session) view() View {
	return View{
		ConversationID: s.id,
		Messages:       s.state.Messages(),
		Typing:         s.state.Typing(),
		UnreadCount:    s.state.UnreadCount(),
		HasMore:        s.hasMore,
		Loading:        s.loading,
		LoadErr:        s.loadErr,
		Connection:     s.conn,
		ConnectionErr:  s.connErr,
	}
}

func (s *Session) schedulePrune() {
	s.stopPrune = s.sched.AfterFunc(s.opts.PruneInterval, func() {
		s.state.PruneExpiredTyping(s.sched.Now())
		s.schedulePrune()
	})
}

// load fetches the latest page off the loop and merges it back in. A resync also re-sends
// messages that are still waiting for an ack.
func (s *Session) load(resync bool) {
	if !resync {
		s.loading = true
		s.metaDirty = true
	}
	go func() {
		page, err := s.hist.Latest(s.ctx, s.id)
		s.post(func() {
			if !resync {
				s.loading = false
			}
			s.metaDirty = true
			if err != nil {
				s.loadErr = err
				logger.Warnf("conversation: %s load (resync=%v): %v", s.id, resync, err)
				if resync {
					s.out.Reemit()
				}
				return
			}
			s.loadErr = nil
			if !resync || s.state.PersistedCount() <= len(page.Messages) {
				s.hasMore = page.HasMore
			}
			s.state.Merge(page.Messages)
			s.settleConfirmed(page.Messages)
			if resync {
				if n := s.out.Reemit(); n > 0 {
					logger.Infof("conversation: %s re-sent %d pending after resync", s.id, n)
				}
			}
			s.maybeMarkRead()
		})
	}()
}

// settleConfirmed stops ack timers of placeholders confirmed by a page or push.
func (s *Session) settleConfirmed(msgs []model.Message) {
	for _, m := range msgs {
		if m.CorrelationID == "" || !s.out.Armed(m.CorrelationID) {
			continue
		}
		if cur, ok := s.state.Lookup(m.CorrelationID); ok && cur.Status.Confirmed() {
			s.out.Settle(m.CorrelationID)
		}
	}
}

func (s *Session) handleEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventNewMessage:
		var p protocol.NewMessagePayload
		if !s.decode(env, &p) {
			return
		}
		if p.Message.ConversationID == "" {
			p.Message.ConversationID = p.ConversationID
		}
		if s.state.ApplyRemoteMessage(p.Message) {
			s.settleConfirmed([]model.Message{p.Message})
			s.maybeMarkRead()
		}
	case protocol.EventMessageAck:
		var m protocol.MessageAckPayload
		if !s.decode(env, &m) {
			return
		}
		s.out.Ack(m)
	case protocol.EventSendFailed:
		var p protocol.SendFailedPayload
		if !s.decode(env, &p) {
			return
		}
		s.out.Rejected(p.CorrelationID, p.Reason)
	case protocol.EventError:
		var p protocol.ErrorPayload
		if !s.decode(env, &p) {
			return
		}
		if p.CorrelationID != "" {
			s.out.Rejected(p.CorrelationID, p.Code+": "+p.Message)
			return
		}
		logger.Warnf("conversation: %s server error %s: %s", s.id, p.Code, p.Message)
	case protocol.EventMessagesRead:
		var p protocol.MessagesReadPayload
		if !s.decode(env, &p) {
			return
		}
		s.state.ApplyReadReceipt(p.UserID, p.Timestamp)
	case protocol.EventUserTyping:
		var p protocol.UserTypingPayload
		if !s.decode(env, &p) {
			return
		}
		s.state.SetTyping(p.Users, s.sched.Now())
	case protocol.EventMessageDeleted:
		var p protocol.MessageDeletedPayload
		if !s.decode(env, &p) {
			return
		}
		s.state.ApplyDeletion(p.MessageID)
	}
}

func (s *Session) decode(env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		logger.Errorf("conversation: %s decode %s: %v", s.id, env.Type, err)
		return false
	}
	return true
}

// maybeMarkRead marks the conversation read while it is focused and has newer remote messages:
// durably through the store and live through the push channel.
func (s *Session) maybeMarkRead() {
	if !s.focused || s.markInFlight || s.reads == nil {
		return
	}
	latest := s.state.LatestRemote()
	if latest.IsZero() || !latest.After(s.lastMarked) {
		return
	}
	s.markInFlight = true
	if err := s.emit(protocol.ClientMessage{Type: protocol.EventMarkAsRead, ConversationID: s.id, UserID: s.self.ID}); err != nil {
		logger.Debugf("conversation: %s markAsRead emit: %v", s.id, err)
	}
	go func() {
		at, err := s.reads.MarkRead(s.ctx, s.id)
		s.post(func() {
			s.markInFlight = false
			if err != nil {
				logger.Warnf("conversation: %s mark read: %v", s.id, err)
				return
			}
			s.lastMarked = latest
			if at.Before(latest) {
				at = latest
			}
			s.state.ApplyReadReceipt(s.self.ID, at)
			if s.opts.OnReadAcknowledged != nil {
				s.opts.OnReadAcknowledged(s.id, at)
			}
			s.maybeMarkRead()
		})
	}()
}

// Send validates and sends text, optionally as a reply to the message with replyToCorrelation.
func (s *Session) Send(text, replyToCorrelation string) (model.Message, error) {
	var (
		m   model.Message
		err error
	)
	if derr := s.do(func() {
		var target *model.Message
		if replyToCorrelation != "" {
			t, ok := s.state.Lookup(replyToCorrelation)
			if !ok {
				err = ErrUnknownMessage
				return
			}
			target = &t
		}
		m, err = s.out.Send(text, target)
		if err == nil && s.typing.Typing() {
			s.typing.Blur()
		}
	}); derr != nil {
		return model.Message{}, derr
	}
	return m, err
}

// Retry re-sends a failed message with its original correlation id.
func (s *Session) Retry(correlationID string) error {
	var err error
	if derr := s.do(func() { err = s.out.Retry(correlationID) }); derr != nil {
		return derr
	}
	return err
}

// Discard drops a failed message.
func (s *Session) Discard(correlationID string) error {
	var err error
	if derr := s.do(func() { err = s.out.Discard(correlationID) }); derr != nil {
		return derr
	}
	return err
}

// Delete asks the server to tombstone one of the user's own messages.
func (s *Session) Delete(messageID string) error {
	var err error
	if derr := s.do(func() {
		m, ok := s.state.LookupID(messageID)
		switch {
		case !ok:
			err = ErrUnknownMessage
		case m.SenderID != s.self.ID:
			err = errors.New("conversation: cannot delete another user's message")
		default:
			err = s.emit(protocol.ClientMessage{Type: protocol.EventDeleteMessage, ConversationID: s.id, MessageID: messageID})
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Keystroke feeds the typing emitter.
func (s *Session) Keystroke() {
	s.post(s.typing.Keystroke)
}

// InputBlur flushes typing(false).
func (s *Session) InputBlur() {
	s.post(s.typing.Blur)
}

// SetActive marks the conversation as the focused view; while focused, incoming messages are
// marked read.
func (s *Session) SetActive(active bool) {
	s.post(func() {
		s.focused = active
		s.maybeMarkRead()
	})
}

// LoadOlder fetches the page before the loaded persisted messages.
func (s *Session) LoadOlder(ctx context.Context) error {
	var skip int
	if err := s.do(func() { skip = s.state.PersistedCount() }); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	page, err := s.hist.Older(ctx, s.id, skip)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}
	return s.do(func() {
		s.state.Merge(page.Messages)
		s.hasMore = page.HasMore
		s.metaDirty = true
	})
}

// Snapshot returns the current view.
func (s *Session) Snapshot() (View, error) {
	var v View
	if err := s.do(func() { v = s.view() }); err != nil {
		return View{}, err
	}
	return v, nil
}

// Close stops the session: typing is flushed, timers stopped and the room left. Late fetch
// results and timer callbacks are dropped.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.loopDone
		// The loop has exited; the state is no longer shared.
		if s.typing.Typing() {
			s.typing.Blur()
		}
		s.typing.Stop()
		s.out.Cancel()
		if s.stopPrune != nil {
			s.stopPrune()
		}
		if s.detach != nil {
			s.detach()
		}
	})
}

// handler adapts the session to pushclient.Handler; every call is posted to the loop.
type handler struct{ s *Session }

func (h handler) HandleEvent(env protocol.Envelope) {
	h.s.post(func() { h.s.handleEvent(env) })
}

func (h handler) Resync() {
	h.s.post(func() { h.s.load(true) })
}

func (h handler) ChannelState(st pushclient.State, err error) {
	h.s.post(func() {
		h.s.conn = st
		h.s.connErr = err
		h.s.metaDirty = true
	})
}
