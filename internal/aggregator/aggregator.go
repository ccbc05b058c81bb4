// Package aggregator keeps unread counts and last-message previews for every conversation of a
// user current, without attaching to each conversation's room.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/metrics"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/protocol"
	"github.com/convsync/internal/pushclient"
	"github.com/convsync/internal/storage"
	"github.com/convsync/internal/storeclient"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultFetchTimeout = 10 * time.Second
	DefaultConcurrency  = 4
)

// Fetcher is satisfied by *storeclient.Client.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]model.ConversationPreview, error)
	GetPreview(ctx context.Context, conversationID string) (*model.ConversationPreview, error)
}

// Subscriber is satisfied by *pushclient.Client.
type Subscriber interface {
	SubscribeGlobal(h pushclient.Handler) (unsubscribe func(), err error)
}

type Options struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	Concurrency  int
	// OnChange receives every new snapshot. It may be called from several goroutines
	// but never concurrently.
	OnChange func(Snapshot)
}

// Snapshot is the conversation list, most recently active first.
type Snapshot struct {
	Previews  []model.ConversationPreview
	FetchedAt time.Time
	// Stale is set when the data came from the cache or the last refresh failed in part.
	Stale bool
}

// PartialError lists the conversations whose preview could not be refreshed.
type PartialError struct {
	Failed map[string]error
}

func (e *PartialError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("aggregator: %d preview(s) failed: %s", len(ids), strings.Join(ids, ", "))
}

func (e *PartialError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

type Aggregator struct {
	userID  string
	fetcher Fetcher
	store   storage.PreviewStore
	opts    Options

	notifyMu sync.Mutex

	mu          sync.Mutex
	previews    map[string]model.ConversationPreview
	fetchedAt   time.Time
	stale       bool
	degraded    bool
	pendingIDs  map[string]struct{}
	pendingAll  bool
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}

	trigger chan struct{}
}

// New creates an aggregator for userID. store may be nil.
func New(userID string, fetcher Fetcher, store storage.PreviewStore, opts Options) *Aggregator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Aggregator{
		userID:     userID,
		fetcher:    fetcher,
		store:      store,
		opts:       opts,
		previews:   make(map[string]model.ConversationPreview),
		degraded:   true,
		pendingIDs: make(map[string]struct{}),
		trigger:    make(chan struct{}, 1),
	}
}

// Start loads the cached snapshot, subscribes to global events, performs a full refresh and
// starts the background worker. A failed initial refresh leaves the cached data in place.
func (a *Aggregator) Start(ctx context.Context, sub Subscriber) error {
	if a.store != nil {
		snap, err := a.store.LoadPreviews(ctx, a.userID)
		if err != nil {
			logger.Warnf("aggregator: load cached previews user=%s: %v", a.userID, err)
		} else if snap != nil {
			a.mu.Lock()
			for _, p := range snap.Previews {
				a.previews[p.ConversationID] = p
			}
			a.fetchedAt = snap.FetchedAt
			a.stale = true
			a.mu.Unlock()
			a.notify()
		}
	}

	if sub != nil {
		unsub, err := sub.SubscribeGlobal(handler{a})
		if err != nil {
			return fmt.Errorf("aggregator.Start: %w", err)
		}
		a.mu.Lock()
		a.unsubscribe = unsub
		a.mu.Unlock()
	}

	if err := a.RefreshAll(ctx); err != nil {
		logger.Warnf("aggregator: initial refresh user=%s: %v", a.userID, err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()
	go a.worker(wctx, done)
	return nil
}

// Close unsubscribes and stops the worker.
func (a *Aggregator) Close() {
	a.mu.Lock()
	unsub, cancel, done := a.unsubscribe, a.cancel, a.done
	a.unsubscribe, a.cancel, a.done = nil, nil, nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *Aggregator) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.trigger:
			a.mu.Lock()
			all := a.pendingAll
			ids := make([]string, 0, len(a.pendingIDs))
			for id := range a.pendingIDs {
				ids = append(ids, id)
			}
			a.pendingAll = false
			a.pendingIDs = make(map[string]struct{})
			a.mu.Unlock()

			var err error
			if all {
				err = a.RefreshAll(ctx)
			} else if len(ids) > 0 {
				err = a.Refresh(ctx, ids)
			}
			if err != nil && ctx.Err() == nil {
				logger.Warnf("aggregator: refresh user=%s: %v", a.userID, err)
			}
		case <-ticker.C:
			a.mu.Lock()
			degraded := a.degraded
			a.mu.Unlock()
			if !degraded {
				continue
			}
			if err := a.RefreshAll(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("aggregator: poll user=%s: %v", a.userID, err)
			}
		}
	}
}

// schedule queues ids (nil means everything) for the worker.
func (a *Aggregator) schedule(ids []string) {
	a.mu.Lock()
	if ids == nil {
		a.pendingAll = true
	}
	for _, id := range ids {
		a.pendingIDs[id] = struct{}{}
	}
	a.mu.Unlock()
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// RefreshAll replaces the list with the store's current conversations. On failure the previous
// list is kept and marked stale.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	defer logger.DeferLogDuration("aggregator.RefreshAll", time.Now())()
	fctx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
	defer cancel()

	list, err := a.fetcher.ListConversations(fctx)
	if err != nil {
		metrics.PreviewFetchErrors.Inc()
		a.mu.Lock()
		a.stale = true
		a.mu.Unlock()
		a.notify()
		return fmt.Errorf("aggregator.RefreshAll: %w", err)
	}

	a.mu.Lock()
	a.previews = make(map[string]model.ConversationPreview, len(list))
	for _, p := range list {
		a.previews[p.ConversationID] = p
	}
	a.fetchedAt = time.Now()
	a.stale = false
	a.mu.Unlock()

	a.save(ctx)
	a.notify()
	return nil
}

// Refresh re-fetches the given previews concurrently. Failed ones keep their last good value and
// are reported in a *PartialError; the rest are applied.
func (a *Aggregator) Refresh(ctx context.Context, ids []string) error {
	defer logger.DeferLogDuration("aggregator.Refresh", time.Now())()

	type result struct {
		preview *model.ConversationPreview
		err     error
	}
	var (
		rmu     sync.Mutex
		results = make(map[string]result, len(ids))
	)
	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
			defer cancel()
			p, err := a.fetcher.GetPreview(fctx, id)
			rmu.Lock()
			results[id] = result{preview: p, err: err}
			rmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	a.mu.Lock()
	applied := 0
	for id, r := range results {
		switch {
		case r.err == nil && r.preview != nil:
			a.previews[id] = *r.preview
			applied++
		case errors.Is(r.err, storeclient.ErrNotFound), errors.Is(r.err, storeclient.ErrForbidden):
			// Gone or no longer a member.
			delete(a.previews, id)
			applied++
		default:
			err := r.err
			if err == nil {
				err = errors.New("empty preview")
			}
			failed[id] = err
		}
	}
	if applied > 0 {
		a.fetchedAt = time.Now()
	}
	a.stale = len(failed) > 0
	a.mu.Unlock()

	if len(failed) > 0 {
		metrics.PreviewFetchErrors.Add(float64(len(failed)))
	}
	if applied > 0 {
		a.save(ctx)
	}
	a.notify()
	if len(failed) > 0 {
		return &PartialError{Failed: failed}
	}
	return nil
}

func (a *Aggregator) save(ctx context.Context) {
	if a.store == nil {
		return
	}
	snap := a.Snapshot()
	err := a.store.SavePreviews(ctx, a.userID, model.PreviewSnapshot{Previews: snap.Previews, FetchedAt: snap.FetchedAt})
	if err != nil {
		logger.Warnf("aggregator: save previews user=%s: %v", a.userID, err)
	}
}

// AcknowledgeRead zeroes the unread count once the store has acknowledged a read covering the
// conversation's last activity.
func (a *Aggregator) AcknowledgeRead(conversationID string, at time.Time) {
	a.mu.Lock()
	p, ok := a.previews[conversationID]
	if !ok || p.UnreadCount == 0 || at.Before(p.LastActivityAt) {
		a.mu.Unlock()
		return
	}
	p.UnreadCount = 0
	a.previews[conversationID] = p
	a.mu.Unlock()
	a.notify()
}

// Snapshot returns the current list.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.ConversationPreview, 0, len(a.previews))
	for _, p := range a.previews {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return Snapshot{Previews: out, FetchedAt: a.fetchedAt, Stale: a.stale}
}

// Degraded reports whether the global event channel is considered down.
func (a *Aggregator) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

func (a *Aggregator) notify() {
	if a.opts.OnChange == nil {
		return
	}
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	a.opts.OnChange(a.Snapshot())
}

func (a *Aggregator) handleEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventUnreadCountsChanged:
		var p protocol.UnreadCountsChangedPayload
		if err := env.Decode(&p); err != nil {
			logger.Errorf("aggregator: decode %s: %v", env.Type, err)
			return
		}
		if len(p.ConversationIDs) == 0 {
			a.schedule(nil)
			return
		}
		a.schedule(p.ConversationIDs)
	case protocol.EventAttendeeStatusUpdated:
		var p protocol.AttendeeStatusPayload
		if err := env.Decode(&p); err != nil {
			logger.Errorf("aggregator: decode %s: %v", env.Type, err)
			return
		}
		if p.ConversationID == "" {
			a.schedule(nil)
			return
		}
		a.schedule([]string{p.ConversationID})
	}
}

// handler receives global events from the push channel; it never blocks the reader.
type handler struct{ a *Aggregator }

func (h handler) HandleEvent(env protocol.Envelope) { h.a.handleEvent(env) }

func (h handler) Resync() { h.a.schedule(nil) }

func (h handler) ChannelState(st pushclient.State, err error) {
	h.a.mu.Lock()
	h.a.degraded = st != pushclient.StateConnected
	h.a.mu.Unlock()
}
