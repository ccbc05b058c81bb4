package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/aggregator"
	"github.com/convsync/internal/conversation"
	"github.com/convsync/internal/history"
	"github.com/convsync/internal/model"
)

func init() {
	rootCmd.AddCommand(openCmd)
}

const openHelp = `commands:
  <text>              send a message
  /reply <corr> text  reply to a message by correlation id
  /older              load the previous page
  /retry <corr>       resend a failed message
  /discard <corr>     drop a failed message
  /delete <id>        delete one of your messages
  /typing             signal typing
  /blur               stop the typing signal now
  /quit               leave`

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation live and chat from stdin",
	Long:  "Open a conversation live and chat from stdin.\n\n" + openHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		convID := args[0]

		// The rest of the inbox stays live next to the open conversation.
		cache := s.previewStore(ctx)
		defer cache.Close()
		agg := aggregator.New(s.self.ID, s.store, cache, aggregator.Options{
			PollInterval: s.cfg.Client.PreviewPoll,
			OnChange: func(snap aggregator.Snapshot) {
				if line := inboxLine(snap, convID); line != "" {
					fmt.Fprintln(out, line)
				}
			},
		})
		if err := agg.Start(ctx, s.push); err != nil {
			return err
		}
		defer agg.Close()

		loader := history.NewLoader(s.store, history.Options{
			PageSize:   s.cfg.Client.HistoryPageSize,
			Timeout:    s.cfg.Client.HistoryTimeout,
			RetryDelay: s.cfg.Client.HistoryRetryDelay,
		})
		conv, err := conversation.Open(ctx, convID, s.self, s.push, loader, s.store, conversation.Options{
			AckTimeout:         s.cfg.Client.AckTimeout,
			TypingDebounce:     s.cfg.Client.TypingDebounce,
			TypingIdle:         s.cfg.Client.TypingIdle,
			TypingExpiry:       s.cfg.Client.TypingExpiry,
			OnChange:           func(v conversation.View) { printView(out, v) },
			OnReadAcknowledged: agg.AcknowledgeRead,
		})
		if err != nil {
			return err
		}
		defer conv.Close()
		conv.SetActive(true)

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := runLine(ctx, conv, line)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "! %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

func runLine(ctx context.Context, conv *conversation.Session, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err = conv.Send(line, "")
		return false, err
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true, nil
	case "/older":
		return false, conv.LoadOlder(ctx)
	case "/retry":
		return false, conv.Retry(arg)
	case "/discard":
		return false, conv.Discard(arg)
	case "/delete":
		return false, conv.Delete(arg)
	case "/typing":
		conv.Keystroke()
		return false, nil
	case "/blur":
		conv.InputBlur()
		return false, nil
	case "/reply":
		corr, text, _ := strings.Cut(arg, " ")
		_, err = conv.Send(text, corr)
		return false, err
	default:
		return false, fmt.Errorf("unknown command %s\n%s", cmd, openHelp)
	}
}

// inboxLine summarizes unread messages outside the open conversation; empty when there are none.
func inboxLine(snap aggregator.Snapshot, openID string) string {
	unread, convs := 0, 0
	for _, p := range snap.Previews {
		if p.ConversationID == openID || p.UnreadCount == 0 {
			continue
		}
		unread += p.UnreadCount
		convs++
	}
	if unread == 0 {
		return ""
	}
	return fmt.Sprintf("-- %d unread in %d other conversation(s)", unread, convs)
}

func printView(out io.Writer, v conversation.View) {
	fmt.Fprintf(out, "\n== %s  [%s]", v.ConversationID, v.Connection)
	if v.UnreadCount > 0 {
		fmt.Fprintf(out, "  unread %d", v.UnreadCount)
	}
	if v.Loading {
		fmt.Fprint(out, "  loading…")
	}
	if v.LoadErr != nil {
		fmt.Fprintf(out, "  load error: %v", v.LoadErr)
	}
	if v.HasMore {
		fmt.Fprint(out, "  (/older for more)")
	}
	fmt.Fprintln(out)
	for _, m := range v.Messages {
		printMessage(out, m)
	}
	if len(v.Typing) > 0 {
		names := make([]string, 0, len(v.Typing))
		for _, u := range v.Typing {
			names = append(names, u.DisplayName)
		}
		fmt.Fprintf(out, "   %s typing…\n", strings.Join(names, ", "))
	}
}

func printMessage(out io.Writer, m model.Message) {
	body := m.Body
	if m.IsDeleted {
		body = "(deleted)"
	}
	name := m.SenderDisplayName
	if name == "" {
		name = m.SenderID
	}
	if m.ReplyTo != nil {
		fmt.Fprintf(out, "   ↳ %s: %s\n", m.ReplyTo.SenderName, m.ReplyTo.Snippet)
	}
	id := m.ID
	if id == "" {
		id = m.CorrelationID
	}
	fmt.Fprintf(out, "%s %-9s %s: %s  (%s)\n", m.CreatedAt.Local().Format("15:04"), m.Status, name, body, id)
}
