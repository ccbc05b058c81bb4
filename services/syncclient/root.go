package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/config"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/pushclient"
	"github.com/convsync/internal/storage"
	storagememory "github.com/convsync/internal/storage/memory"
	redisstorage "github.com/convsync/internal/storage/redis"
	"github.com/convsync/internal/storeclient"
)

var rootCmd = &cobra.Command{
	Use:   "syncclient",
	Short: "Conversation sync client",
	Long: `syncclient drives the conversation sync core against a chat service:
it lists conversations with unread counts, opens a conversation live, and creates
direct or group conversations.`,
	SilenceUsage: true,
}

var flags struct {
	storeURL    string
	pushURL     string
	userID      string
	displayName string
	logLevel    string
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&flags.storeURL, "store", "", "conversation store base URL (default from STORE_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.pushURL, "push", "", "push channel URL (default from PUSH_URL)")
	rootCmd.PersistentFlags().StringVarP(&flags.userID, "user", "u", "", "user id (default from SYNC_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&flags.displayName, "name", "", "display name sent on authenticate")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug or info")
}

// session bundles the clients every command needs.
type session struct {
	cfg   *config.Config
	self  model.User
	store *storeclient.Client
	push  *pushclient.Client
}

func newSession() (*session, error) {
	cfg := config.Load()
	if flags.storeURL != "" {
		cfg.Client.StoreURL = flags.storeURL
	}
	if flags.pushURL != "" {
		cfg.Client.PushURL = flags.pushURL
	}
	if flags.userID != "" {
		cfg.Client.UserID = flags.userID
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	if level != "" {
		logger.SetLevel(level)
	}
	if cfg.Client.UserID == "" {
		return nil, errors.New("no user: pass --user or set SYNC_USER_ID")
	}
	if cfg.Client.PushURL == "" {
		cfg.Client.PushURL = pushURLFromStore(cfg.Client.StoreURL)
	}

	self := model.User{ID: cfg.Client.UserID, DisplayName: flags.displayName}
	return &session{
		cfg:   cfg,
		self:  self,
		store: storeclient.New(cfg.Client.StoreURL, self.ID, nil),
		push: pushclient.New(pushclient.Config{
			URL:             cfg.Client.PushURL,
			UserID:          self.ID,
			DisplayName:     self.DisplayName,
			Token:           cfg.Client.Token,
			InitialBackoff:  cfg.Client.ReconnectInitial,
			MaxBackoff:      cfg.Client.ReconnectMax,
			AuthMaxAttempts: cfg.Client.AuthMaxAttempts,
			AuthTimeout:     cfg.Client.AuthTimeout,
		}),
	}, nil
}

func (s *session) Close() {
	if err := s.push.Close(); err != nil {
		logger.Debugf("push close: %v", err)
	}
}

// previewStore picks the snapshot cache: Redis when PREVIEW_CACHE_URL is a redis URL, process
// memory otherwise.
func (s *session) previewStore(ctx context.Context) storage.PreviewStore {
	url := s.cfg.Client.PreviewCacheURL
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		store, err := redisstorage.New(ctx, url)
		if err == nil {
			return store
		}
		logger.Warnf("preview cache %s unavailable, using memory: %v", url, err)
	}
	return storagememory.New()
}

// pushURLFromStore derives ws://host/ws from http://host.
func pushURLFromStore(storeURL string) string {
	u := strings.TrimSuffix(storeURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func printPreview(out io.Writer, p model.ConversationPreview) {
	title := p.Title
	if title == "" {
		title = strings.Join(p.ParticipantIDs, ", ")
	}
	last := ""
	if p.LastMessage != nil {
		last = p.LastMessage.Body
		if p.LastMessage.IsDeleted {
			last = "(deleted)"
		}
		last = model.Snippet(p.LastMessage.SenderDisplayName+": "+last, 60)
	}
	unread := ""
	if p.UnreadCount > 0 {
		unread = fmt.Sprintf(" [%d]", p.UnreadCount)
	}
	fmt.Fprintf(out, "%s  %s%s  %s\n", p.ConversationID, title, unread, last)
}
