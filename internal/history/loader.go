// Package history loads pages of persisted messages for one conversation.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/storeclient"
)

var (
	ErrNotFound  = errors.New("history: conversation not found")
	ErrTransient = errors.New("history: temporarily unavailable")
)

const (
	DefaultPageSize   = 50
	DefaultTimeout    = 10 * time.Second
	DefaultRetryDelay = 500 * time.Millisecond
)

// Fetcher is satisfied by *storeclient.Client.
type Fetcher interface {
	GetMessages(ctx context.Context, conversationID string, skip, limit int) (*model.MessagePage, error)
}

// Page is one page of history, oldest first.
type Page struct {
	Messages []model.Message
	HasMore  bool
	Skip     int
}

type Options struct {
	PageSize   int
	Timeout    time.Duration
	RetryDelay time.Duration
}

type Loader struct {
	fetcher    Fetcher
	pageSize   int
	timeout    time.Duration
	retryDelay time.Duration
}

func NewLoader(f Fetcher, opts Options) *Loader {
	l := &Loader{fetcher: f, pageSize: opts.PageSize, timeout: opts.Timeout, retryDelay: opts.RetryDelay}
	if l.pageSize <= 0 {
		l.pageSize = DefaultPageSize
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.retryDelay <= 0 {
		l.retryDelay = DefaultRetryDelay
	}
	return l
}

// Latest returns the most recent page.
func (l *Loader) Latest(ctx context.Context, conversationID string) (*Page, error) {
	return l.load(ctx, conversationID, 0)
}

// Older returns the page preceding the loaded persisted messages.
func (l *Loader) Older(ctx context.Context, conversationID string, loaded int) (*Page, error) {
	if loaded < 0 {
		loaded = 0
	}
	return l.load(ctx, conversationID, loaded)
}

func (l *Loader) load(ctx context.Context, conversationID string, skip int) (*Page, error) {
	defer logger.DeferLogDuration("history.load", time.Now())()

	page, err := l.attempt(ctx, conversationID, skip)
	if err == nil {
		return page, nil
	}
	if !l.retryable(ctx, err) {
		return nil, classify(conversationID, err)
	}

	logger.Warnf("history: conversation=%s skip=%d retry in %v: %v", conversationID, skip, l.retryDelay, err)
	t := time.NewTimer(l.retryDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		return nil, ctx.Err()
	case <-t.C:
	}

	page, err = l.attempt(ctx, conversationID, skip)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(conversationID, err)
	}
	return page, nil
}

func (l *Loader) attempt(ctx context.Context, conversationID string, skip int) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := l.fetcher.GetMessages(ctx, conversationID, skip, l.pageSize)
	if err != nil {
		return nil, err
	}
	return &Page{Messages: res.Messages, HasMore: res.HasMore, Skip: skip}, nil
}

// retryable: the caller is still waiting and the failure was a timeout, network error or 5xx.
func (l *Loader) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return storeclient.IsTransient(err)
}

func classify(conversationID string, err error) error {
	switch {
	case errors.Is(err, storeclient.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	case errors.Is(err, context.Canceled):
		return err
	case storeclient.IsTransient(err):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return fmt.Errorf("history.load %s: %w", conversationID, err)
	}
}
