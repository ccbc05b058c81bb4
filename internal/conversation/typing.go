package conversation

import (
	"time"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/protocol"
)

const (
	DefaultTypingDebounce = 300 * time.Millisecond
	DefaultTypingIdle     = 2 * time.Second
)

// TypingEmitter coalesces keystrokes into at most one typing(true) per debounce interval
// and emits typing(false) after an idle period or on blur.
type TypingEmitter struct {
	conversationID string
	emit           Emitter
	sched          Scheduler
	debounce       time.Duration
	idle           time.Duration

	typing   bool
	lastEmit time.Time
	gen      uint64
	stopIdle func() bool
}

func NewTypingEmitter(conversationID string, emit Emitter, sched Scheduler, debounce, idle time.Duration) *TypingEmitter {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingEmitter{conversationID: conversationID, emit: emit, sched: sched, debounce: debounce, idle: idle}
}

// Keystroke records local input activity.
func (t *TypingEmitter) Keystroke() {
	now := t.sched.Now()
	if !t.typing || now.Sub(t.lastEmit) >= t.debounce {
		t.send(true)
		t.lastEmit = now
	}
	t.cancelIdle()
	gen := t.gen
	t.stopIdle = t.sched.AfterFunc(t.idle, func() {
		if gen != t.gen || !t.typing {
			return
		}
		t.stopIdle = nil
		t.send(false)
	})
}

// Blur emits typing(false) whatever the debounce state.
func (t *TypingEmitter) Blur() {
	t.cancelIdle()
	t.send(false)
}

// Stop invalidates the pending idle flush without emitting.
func (t *TypingEmitter) Stop() {
	t.cancelIdle()
}

// Typing reports the last state sent.
func (t *TypingEmitter) Typing() bool { return t.typing }

func (t *TypingEmitter) cancelIdle() {
	t.gen++
	if t.stopIdle != nil {
		t.stopIdle()
		t.stopIdle = nil
	}
}

func (t *TypingEmitter) send(isTyping bool) {
	t.typing = isTyping
	err := t.emit(protocol.ClientMessage{
		Type:           protocol.EventTyping,
		ConversationID: t.conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		logger.Debugf("typing: conversation=%s emit: %v", t.conversationID, err)
	}
}
