// Package conversation holds the client-side view of a single conversation: the message reducer,
// the outbound send pipeline, the typing emitter and the Session loop that owns them.
package conversation

import (
	"sort"
	"time"

	"github.com/convsync/internal/model"
)

// DefaultTypingExpiry is ten debounce intervals.
const DefaultTypingExpiry = 3 * time.Second

type slot struct {
	msg  model.Message
	seq  uint64
	dead bool
}

type typingEntry struct {
	user   model.TypingUser
	seenAt time.Time
}

// State is the ordered, deduplicated message list of one conversation plus its ephemeral typing set.
// Messages live in an append-only arena; order holds arena indexes sorted by
// (CreatedAt, CorrelationID, insertion sequence). State is not safe for concurrent use.
type State struct {
	conversationID string
	selfID         string
	typingExpiry   time.Duration

	arena         []slot
	order         []int
	byCorrelation map[string]int
	byID          map[string]int
	seq           uint64
	version       uint64

	typing        map[string]typingEntry
	readWatermark time.Time
}

func NewState(conversationID, selfID string, typingExpiry time.Duration) *State {
	if typingExpiry <= 0 {
		typingExpiry = DefaultTypingExpiry
	}
	return &State{
		conversationID: conversationID,
		selfID:         selfID,
		typingExpiry:   typingExpiry,
		byCorrelation:  make(map[string]int),
		byID:           make(map[string]int),
		typing:         make(map[string]typingEntry),
	}
}

// Version increases on every visible change.
func (s *State) Version() uint64 { return s.version }

func (s *State) touch() { s.version++ }

func (s *State) less(a, b int) bool {
	ma, mb := &s.arena[a].msg, &s.arena[b].msg
	if !ma.CreatedAt.Equal(mb.CreatedAt) {
		return ma.CreatedAt.Before(mb.CreatedAt)
	}
	if ma.CorrelationID != mb.CorrelationID {
		return ma.CorrelationID < mb.CorrelationID
	}
	return s.arena[a].seq < s.arena[b].seq
}

func (s *State) insert(m model.Message) int {
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	s.seq++
	idx := len(s.arena)
	s.arena = append(s.arena, slot{msg: m, seq: s.seq})
	s.place(idx)
	if m.CorrelationID != "" {
		s.byCorrelation[m.CorrelationID] = idx
	}
	if m.ID != "" {
		s.byID[m.ID] = idx
	}
	s.touch()
	return idx
}

func (s *State) place(idx int) {
	pos := sort.Search(len(s.order), func(i int) bool { return s.less(idx, s.order[i]) })
	s.order = append(s.order, 0)
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = idx
}

func (s *State) unplace(idx int) {
	for i, v := range s.order {
		if v == idx {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *State) reposition(idx int) {
	s.unplace(idx)
	s.place(idx)
}

// InsertOptimistic appends a locally created message in sending state.
// An existing correlation id is never overwritten.
func (s *State) InsertOptimistic(m model.Message) bool {
	if m.CorrelationID == "" {
		return false
	}
	if _, ok := s.byCorrelation[m.CorrelationID]; ok {
		return false
	}
	m.ID = ""
	m.Status = model.MessageStatusSending
	s.insert(m)
	return true
}

// ReconcileAck replaces the placeholder's id, timestamp and status with the server's values.
// Applying the same ack twice changes nothing.
func (s *State) ReconcileAck(correlationID string, server model.Message) bool {
	idx, ok := s.byCorrelation[correlationID]
	if !ok && server.ID != "" {
		idx, ok = s.byID[server.ID]
	}
	if !ok {
		m := server
		if m.CorrelationID == "" {
			m.CorrelationID = correlationID
		}
		m.Status = atLeastSent(model.MessageStatusSent, m.Status)
		if m.ID == "" && m.CorrelationID == "" {
			return false
		}
		s.insert(m)
		return true
	}

	sl := &s.arena[idx]
	changed := false
	if server.ID != "" && sl.msg.ID != server.ID {
		if sl.msg.ID != "" {
			delete(s.byID, sl.msg.ID)
		}
		sl.msg.ID = server.ID
		s.byID[server.ID] = idx
		changed = true
	}
	if st := atLeastSent(sl.msg.Status, server.Status); st != sl.msg.Status {
		sl.msg.Status = st
		changed = true
	}
	if server.IsDeleted && !sl.msg.IsDeleted {
		sl.msg.IsDeleted = true
		sl.msg.Body = ""
		changed = true
	}
	if sl.msg.SenderDisplayName == "" && server.SenderDisplayName != "" {
		sl.msg.SenderDisplayName = server.SenderDisplayName
		changed = true
	}
	if !server.CreatedAt.IsZero() && !server.CreatedAt.Equal(sl.msg.CreatedAt) {
		sl.msg.CreatedAt = server.CreatedAt
		s.reposition(idx)
		changed = true
	}
	if changed {
		s.touch()
	}
	return changed
}

// atLeastSent returns the higher of two statuses, never lower than sent.
func atLeastSent(local, server model.MessageStatus) model.MessageStatus {
	r := local.Rank()
	if server.Rank() > r {
		r = server.Rank()
	}
	switch {
	case r >= 3:
		return model.MessageStatusRead
	case r == 2:
		return model.MessageStatusDelivered
	default:
		return model.MessageStatusSent
	}
}

// ApplyRemoteMessage inserts a pushed message unless its id or correlation id is already held.
// A push matching a still-pending placeholder settles it like an ack.
func (s *State) ApplyRemoteMessage(m model.Message) bool {
	if m.ID != "" {
		if _, ok := s.byID[m.ID]; ok {
			return false
		}
	}
	if m.CorrelationID != "" {
		if idx, ok := s.byCorrelation[m.CorrelationID]; ok {
			if s.arena[idx].msg.ID == "" && m.ID != "" {
				return s.ReconcileAck(m.CorrelationID, m)
			}
			return false
		}
	}
	if m.ID == "" && m.CorrelationID == "" {
		return false
	}
	if !m.Status.Confirmed() {
		m.Status = model.MessageStatusSent
	}
	s.insert(m)
	return true
}

// Merge folds a fetched page into the list. Held messages only move status forward
// or become tombstones; everything else goes through ApplyRemoteMessage.
func (s *State) Merge(msgs []model.Message) bool {
	changed := false
	for _, m := range msgs {
		if idx, ok := s.byID[m.ID]; ok && m.ID != "" {
			if s.refresh(idx, m) {
				changed = true
			}
			continue
		}
		if s.ApplyRemoteMessage(m) {
			changed = true
		}
	}
	return changed
}

func (s *State) refresh(idx int, server model.Message) bool {
	sl := &s.arena[idx]
	changed := false
	if server.Status.Rank() > sl.msg.Status.Rank() {
		sl.msg.Status = server.Status
		changed = true
	}
	if server.IsDeleted && !sl.msg.IsDeleted {
		sl.msg.IsDeleted = true
		sl.msg.Body = ""
		changed = true
	}
	if changed {
		s.touch()
	}
	return changed
}

// ApplyReadReceipt is monotonic and idempotent. A receipt from the viewing user raises the
// read watermark; from anyone else it marks the viewing user's own sent or delivered
// messages up to the timestamp as read.
func (s *State) ApplyReadReceipt(userID string, upto time.Time) bool {
	if userID == s.selfID {
		if upto.After(s.readWatermark) {
			s.readWatermark = upto
			s.touch()
			return true
		}
		return false
	}
	changed := false
	for _, idx := range s.order {
		m := &s.arena[idx].msg
		if m.CreatedAt.After(upto) {
			break
		}
		if m.SenderID != s.selfID {
			continue
		}
		if r := m.Status.Rank(); r == 1 || r == 2 {
			m.Status = model.MessageStatusRead
			changed = true
		}
	}
	if changed {
		s.touch()
	}
	return changed
}

// ApplyDeletion tombstones a message; it stays in place so pagination offsets hold.
func (s *State) ApplyDeletion(messageID string) bool {
	idx, ok := s.byID[messageID]
	if !ok || s.arena[idx].msg.IsDeleted {
		return false
	}
	s.arena[idx].msg.IsDeleted = true
	s.arena[idx].msg.Body = ""
	s.touch()
	return true
}

// SetTyping replaces the typing set with the room's current set, refreshing every entry.
func (s *State) SetTyping(users []model.TypingUser, now time.Time) bool {
	next := make(map[string]typingEntry, len(users))
	for _, u := range users {
		if u.UserID == "" || u.UserID == s.selfID {
			continue
		}
		next[u.UserID] = typingEntry{user: u, seenAt: now}
	}
	changed := len(next) != len(s.typing)
	if !changed {
		for id, e := range next {
			if old, ok := s.typing[id]; !ok || old.user != e.user {
				changed = true
				break
			}
		}
	}
	s.typing = next
	if changed {
		s.touch()
	}
	return changed
}

// PruneExpiredTyping drops typing entries not refreshed within the expiry window.
func (s *State) PruneExpiredTyping(now time.Time) bool {
	changed := false
	for id, e := range s.typing {
		if now.Sub(e.seenAt) > s.typingExpiry {
			delete(s.typing, id)
			changed = true
		}
	}
	if changed {
		s.touch()
	}
	return changed
}

// MarkFailed moves a pending message to failed.
func (s *State) MarkFailed(correlationID string) bool {
	idx, ok := s.byCorrelation[correlationID]
	if !ok || s.arena[idx].msg.Status != model.MessageStatusSending {
		return false
	}
	s.arena[idx].msg.Status = model.MessageStatusFailed
	s.touch()
	return true
}

// MarkSending moves a failed message back to pending for a retry.
func (s *State) MarkSending(correlationID string) bool {
	idx, ok := s.byCorrelation[correlationID]
	if !ok || s.arena[idx].msg.Status != model.MessageStatusFailed {
		return false
	}
	s.arena[idx].msg.Status = model.MessageStatusSending
	s.touch()
	return true
}

// Discard removes a failed message that never reached the server.
func (s *State) Discard(correlationID string) bool {
	idx, ok := s.byCorrelation[correlationID]
	if !ok {
		return false
	}
	sl := &s.arena[idx]
	if sl.msg.Status != model.MessageStatusFailed || sl.msg.ID != "" {
		return false
	}
	s.unplace(idx)
	delete(s.byCorrelation, correlationID)
	sl.dead = true
	s.touch()
	return true
}

// Lookup finds a message by correlation id.
func (s *State) Lookup(correlationID string) (model.Message, bool) {
	idx, ok := s.byCorrelation[correlationID]
	if !ok {
		return model.Message{}, false
	}
	return s.arena[idx].msg, true
}

// LookupID finds a message by server id.
func (s *State) LookupID(id string) (model.Message, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return s.arena[idx].msg, true
}

// Messages returns a copy of the ordered list.
func (s *State) Messages() []model.Message {
	out := make([]model.Message, len(s.order))
	for i, idx := range s.order {
		out[i] = s.arena[idx].msg
	}
	return out
}

func (s *State) Len() int { return len(s.order) }

// PersistedCount is the number of held messages that have a server id; it is the skip offset
// for the next older page.
func (s *State) PersistedCount() int { return len(s.byID) }

// Pending returns messages still waiting for an ack, in order.
func (s *State) Pending() []model.Message {
	var out []model.Message
	for _, idx := range s.order {
		if s.arena[idx].msg.Status == model.MessageStatusSending {
			out = append(out, s.arena[idx].msg)
		}
	}
	return out
}

// Typing returns the current typing users ordered by user id.
func (s *State) Typing() []model.TypingUser {
	out := make([]model.TypingUser, 0, len(s.typing))
	for _, e := range s.typing {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ReadWatermark is the newest read acknowledgement of the viewing user.
func (s *State) ReadWatermark() time.Time { return s.readWatermark }

// UnreadCount counts confirmed messages from others that are neither read nor behind the watermark.
func (s *State) UnreadCount() int {
	n := 0
	for _, idx := range s.order {
		m := &s.arena[idx].msg
		if m.SenderID == s.selfID || m.IsDeleted || !m.Status.Confirmed() {
			continue
		}
		if m.Status == model.MessageStatusRead || !m.CreatedAt.After(s.readWatermark) {
			continue
		}
		n++
	}
	return n
}

// LatestRemote returns the creation time of the newest live message from another participant.
func (s *State) LatestRemote() time.Time {
	for i := len(s.order) - 1; i >= 0; i-- {
		m := &s.arena[s.order[i]].msg
		if m.SenderID != s.selfID && !m.IsDeleted && m.Status.Confirmed() {
			return m.CreatedAt
		}
	}
	return time.Time{}
}
