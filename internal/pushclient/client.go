// Package pushclient owns the single duplex push connection shared by every open conversation
// and the conversation list. Conversations attach and detach; the connection lives while at least
// one holder is attached.
package pushclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convsync/internal/backoff"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/metrics"
	"github.com/convsync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufSize    = 256
)

const (
	DefaultInitialBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
	DefaultAuthMaxAttempts = 3
	DefaultAuthTimeout     = 5 * time.Second
)

var (
	ErrAuthFailed   = errors.New("pushclient: authentication failed")
	ErrNotConnected = errors.New("pushclient: not connected")
	ErrBackpressure = errors.New("pushclient: send buffer full")
	ErrClosed       = errors.New("pushclient: client closed")

	errRejected = errors.New("pushclient: credentials rejected")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler receives events for one attachment. Calls come from the connection's reader
// goroutine and must not block.
type Handler interface {
	HandleEvent(protocol.Envelope)
	// Resync is called once a link goes live for a handler attached before it (first connect
	// or reconnect); pushes sent before the join are not replayed.
	Resync()
	ChannelState(State, error)
}

type Config struct {
	URL         string
	UserID      string
	DisplayName string
	Token       string
	// Header is sent with the upgrade request in addition to the identity header.
	Header http.Header

	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	AuthMaxAttempts int
	AuthTimeout     time.Duration
	Dialer          *websocket.Dialer
}

type holder struct {
	h Handler
}

// runner is one connect/reconnect loop, started by the first holder and stopped by the last.
type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// link is one live, authenticated connection.
type link struct {
	conn   *websocket.Conn
	send   chan protocol.ClientMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	err     error
}

func (l *link) fail(err error) {
	l.errOnce.Do(func() { l.err = err })
	l.cancel()
}

type Client struct {
	cfg Config

	// notifyMu serializes state deliveries so the last one a handler sees is the current state.
	notifyMu sync.Mutex

	mu      sync.Mutex
	rooms   map[string]map[*holder]struct{}
	globals map[*holder]struct{}
	holders int
	current *runner
	link    *link
	state   State
	lastErr error
	failed  bool
	closed  bool
}

func New(cfg Config) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.AuthMaxAttempts <= 0 {
		cfg.AuthMaxAttempts = DefaultAuthMaxAttempts
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		rooms:   make(map[string]map[*holder]struct{}),
		globals: make(map[*holder]struct{}),
	}
}

// State returns the connection state and the error that caused it, if any.
func (c *Client) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Attach adds h to the conversation's room. The first handler of a room joins it; the first
// holder overall opens the connection. The returned func detaches and is safe to call twice.
func (c *Client) Attach(conversationID string, h Handler) (func(), error) {
	if conversationID == "" {
		return nil, errors.New("pushclient.Attach: empty conversation id")
	}
	hd := &holder{h: h}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	room, ok := c.rooms[conversationID]
	if !ok {
		room = make(map[*holder]struct{})
		c.rooms[conversationID] = room
		c.enqueueLocked(protocol.ClientMessage{Type: protocol.EventJoin, ConversationID: conversationID})
	}
	room[hd] = struct{}{}
	c.acquireLocked()
	st, err := c.state, c.lastErr
	c.mu.Unlock()

	h.ChannelState(st, err)

	var once sync.Once
	return func() { once.Do(func() { c.detach(conversationID, hd) }) }, nil
}

// SubscribeGlobal registers h for user-scoped events. Global subscribers keep the connection open.
func (c *Client) SubscribeGlobal(h Handler) (func(), error) {
	hd := &holder{h: h}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.globals[hd] = struct{}{}
	c.acquireLocked()
	st, err := c.state, c.lastErr
	c.mu.Unlock()

	h.ChannelState(st, err)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.globals, hd)
			c.releaseLocked()
			c.mu.Unlock()
		})
	}, nil
}

func (c *Client) detach(conversationID string, hd *holder) {
	c.mu.Lock()
	if room, ok := c.rooms[conversationID]; ok {
		delete(room, hd)
		if len(room) == 0 {
			delete(c.rooms, conversationID)
			c.enqueueLocked(protocol.ClientMessage{Type: protocol.EventLeave, ConversationID: conversationID})
		}
	}
	c.releaseLocked()
	c.mu.Unlock()
}

func (c *Client) usableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.failed {
		return c.lastErr
	}
	return nil
}

func (c *Client) acquireLocked() {
	c.holders++
	if c.current == nil {
		ctx, cancel := context.WithCancel(context.Background())
		r := &runner{cancel: cancel, done: make(chan struct{})}
		c.current = r
		c.state = StateConnecting
		c.lastErr = nil
		go c.run(ctx, r)
	}
}

// releaseLocked stops the runner when the last holder leaves. Queued writes, including the final
// leave, are flushed before the close frame. It does not wait, so handlers may detach from
// inside a callback.
func (c *Client) releaseLocked() {
	c.holders--
	if c.holders > 0 || c.current == nil {
		return
	}
	r := c.current
	c.current = nil
	c.link = nil
	if !c.failed {
		c.state = StateIdle
		c.lastErr = nil
	}
	r.cancel()
}

// Emit queues an outgoing intent on the live connection.
func (c *Client) Emit(msg protocol.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ErrNotConnected
	}
	return c.link.enqueue(msg)
}

func (c *Client) enqueueLocked(msg protocol.ClientMessage) {
	if c.link == nil {
		return
	}
	if err := c.link.enqueue(msg); err != nil {
		logger.Warnf("pushclient: %s %s dropped: %v", msg.Type, msg.ConversationID, err)
	}
}

func (l *link) enqueue(msg protocol.ClientMessage) error {
	if l.ctx.Err() != nil {
		return ErrNotConnected
	}
	select {
	case l.send <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close detaches everyone and shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	r := c.current
	c.current = nil
	c.link = nil
	c.rooms = make(map[string]map[*holder]struct{})
	c.globals = make(map[*holder]struct{})
	c.holders = 0
	c.state = StateIdle
	c.mu.Unlock()
	if r != nil {
		r.cancel()
		<-r.done
	}
	return nil
}

func (c *Client) run(ctx context.Context, r *runner) {
	defer close(r.done)
	bo := backoff.New(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	rejections := 0
	connectedBefore := false

	for {
		l, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errRejected) {
				rejections++
				metrics.AuthFailures.Inc()
				if rejections >= c.cfg.AuthMaxAttempts {
					c.setState(r, StateFailed, fmt.Errorf("%w after %d attempts: %v", ErrAuthFailed, rejections, err))
					return
				}
			} else {
				rejections = 0
			}
			delay := bo.Next()
			logger.Warnf("pushclient: connect user=%s: %v (retry in %v)", c.cfg.UserID, err, delay)
			c.setState(r, StateReconnecting, err)
			if !sleep(ctx, delay) {
				return
			}
			metrics.Reconnects.Inc()
			continue
		}

		rejections = 0
		bo.Reset()
		attached, ok := c.publish(r, l)
		if !ok {
			l.cancel()
			l.wg.Wait()
			return
		}
		logger.Infof("pushclient: connected user=%s", c.cfg.UserID)
		c.notifyState(r)
		// Pushes sent before the join reached the server are not replayed, on the first
		// connect as on every reconnect.
		if connectedBefore {
			metrics.Resyncs.Inc()
		}
		for _, h := range attached {
			h.Resync()
		}
		connectedBefore = true

		l.wg.Wait()
		c.unpublish(l)
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("pushclient: connection lost user=%s: %v", c.cfg.UserID, l.err)
		c.setState(r, StateReconnecting, l.err)
		if !sleep(ctx, bo.Next()) {
			return
		}
		metrics.Reconnects.Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// connect dials, authenticates and starts the pumps of a new link.
func (c *Client) connect(ctx context.Context) (*link, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()

	header := c.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(protocol.UserIDHeader, c.cfg.UserID)

	conn, resp, err := c.cfg.Dialer.DialContext(hctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", errRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("pushclient.dial: %w", err)
	}
	stop := context.AfterFunc(hctx, func() { conn.Close() })
	if err := c.authenticate(conn); err != nil {
		stop()
		conn.Close()
		return nil, err
	}
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("pushclient.authenticate: %w", hctx.Err())
	}

	lctx, lcancel := context.WithCancel(ctx)
	l := &link{
		conn:   conn,
		send:   make(chan protocol.ClientMessage, sendBufSize),
		ctx:    lctx,
		cancel: lcancel,
	}
	l.wg.Add(2)
	go c.writePump(l)
	go c.readPump(l)
	return l, nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(protocol.ClientMessage{
		Type:        protocol.EventAuthenticate,
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
		Token:       c.cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("pushclient.authenticate: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("pushclient.authenticate: %w", err)
		}
		switch env.Type {
		case protocol.EventAuthenticated:
			return nil
		case protocol.EventError:
			var p protocol.ErrorPayload
			_ = env.Decode(&p)
			if p.Code == protocol.ErrCodeUnauthorized {
				return fmt.Errorf("%w: %s", errRejected, p.Message)
			}
			return fmt.Errorf("pushclient.authenticate: server error %s: %s", p.Code, p.Message)
		}
	}
}

// publish makes l the live link and re-joins every attached room. It returns the handlers
// attached before the link went live.
func (c *Client) publish(r *runner, l *link) ([]Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != r {
		return nil, false
	}
	c.link = l
	for id := range c.rooms {
		c.enqueueLocked(protocol.ClientMessage{Type: protocol.EventJoin, ConversationID: id})
	}
	c.state = StateConnected
	c.lastErr = nil
	return c.handlersLocked(), true
}

func (c *Client) unpublish(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
}

func (c *Client) setState(r *runner, s State, err error) {
	c.mu.Lock()
	if c.current != r {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.lastErr = err
	if s == StateFailed {
		c.failed = true
		c.current = nil
		c.link = nil
	}
	c.mu.Unlock()
	c.notifyState(nil)
}

// notifyState pushes the current state to every handler; with a non-nil runner only if it is
// still current.
func (c *Client) notifyState(r *runner) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if r != nil && c.current != r {
		c.mu.Unlock()
		return
	}
	st, err := c.state, c.lastErr
	targets := c.handlersLocked()
	c.mu.Unlock()
	for _, h := range targets {
		h.ChannelState(st, err)
	}
}

func (c *Client) handlersLocked() []Handler {
	out := make([]Handler, 0, c.holders)
	for _, room := range c.rooms {
		for hd := range room {
			out = append(out, hd.h)
		}
	}
	for hd := range c.globals {
		out = append(out, hd.h)
	}
	return out
}

func (c *Client) dispatch(env protocol.Envelope) {
	var targets []Handler
	c.mu.Lock()
	switch {
	case protocol.IsGlobal(env.Type):
		for hd := range c.globals {
			targets = append(targets, hd.h)
		}
	default:
		if id := env.ConversationID(); id != "" {
			for hd := range c.rooms[id] {
				targets = append(targets, hd.h)
			}
		} else {
			for _, room := range c.rooms {
				for hd := range room {
					targets = append(targets, hd.h)
				}
			}
		}
	}
	c.mu.Unlock()

	for _, h := range targets {
		h.HandleEvent(env)
	}
}

func (c *Client) readPump(l *link) {
	defer l.wg.Done()
	defer l.conn.Close()

	l.conn.SetReadLimit(maxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	l.conn.SetPingHandler(func(data string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := l.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			l.fail(err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("pushclient: unmarshal user=%s: %v", c.cfg.UserID, err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump(l *link) {
	defer l.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	write := func(msg protocol.ClientMessage) bool {
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := l.conn.WriteJSON(msg); err != nil {
			l.fail(err)
			return false
		}
		return true
	}

	for {
		select {
		case <-l.ctx.Done():
			// Flush what is already queued (a final leave) before the close frame.
			for {
				select {
				case msg := <-l.send:
					if !write(msg) {
						return
					}
					continue
				default:
				}
				break
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-l.send:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.fail(err)
				return
			}
		}
	}
}
