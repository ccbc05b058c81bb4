package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/aggregator"
)

func init() {
	listCmd.Flags().BoolP("watch", "w", false, "keep running and reprint on every change")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations with unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		cache := s.previewStore(ctx)
		defer cache.Close()

		out := cmd.OutOrStdout()
		opts := aggregator.Options{PollInterval: s.cfg.Client.PreviewPoll}
		if watch {
			opts.OnChange = func(snap aggregator.Snapshot) { printSnapshot(out, snap) }
		}
		agg := aggregator.New(s.self.ID, s.store, cache, opts)

		var sub aggregator.Subscriber
		if watch {
			sub = s.push
		}
		if err := agg.Start(ctx, sub); err != nil {
			return err
		}
		defer agg.Close()

		if !watch {
			printSnapshot(out, agg.Snapshot())
			return nil
		}
		<-ctx.Done()
		return nil
	},
}

func printSnapshot(out io.Writer, snap aggregator.Snapshot) {
	stale := ""
	if snap.Stale {
		stale = " (stale)"
	}
	fmt.Fprintf(out, "-- %d conversations, fetched %s%s\n", len(snap.Previews), snap.FetchedAt.Local().Format("15:04:05"), stale)
	for _, p := range snap.Previews {
		printPreview(out, p)
	}
}
