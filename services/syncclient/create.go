package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/model"
	"github.com/convsync/internal/storeclient"
)

func init() {
	directCmd.Flags().String("their-name", "", "display name to register for the other user")
	groupCmd.Flags().StringSlice("with", nil, "participant user ids (comma separated)")
	_ = groupCmd.MarkFlagRequired("with")
	rootCmd.AddCommand(directCmd, groupCmd)
}

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Get or create the direct conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		other := args[0]
		names := map[string]string{}
		if s.self.DisplayName != "" {
			names[s.self.ID] = s.self.DisplayName
		}
		if n, _ := cmd.Flags().GetString("their-name"); n != "" {
			names[other] = n
		}
		conv, err := s.store.GetOrCreateDirect(cmd.Context(), storeclient.DirectConversationRequest{
			UserAID:      s.self.ID,
			UserBID:      other,
			DisplayNames: names,
		})
		if err != nil {
			return err
		}
		printConversation(cmd, conv)
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <title>",
	Short: "Create a group conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		with, _ := cmd.Flags().GetStringSlice("with")
		req := storeclient.GroupConversationRequest{
			Title:          strings.Join(args, " "),
			ParticipantIDs: with,
		}
		if s.self.DisplayName != "" {
			req.DisplayNames = map[string]string{s.self.ID: s.self.DisplayName}
		}
		conv, err := s.store.CreateGroup(cmd.Context(), req)
		if err != nil {
			return err
		}
		printConversation(cmd, conv)
		return nil
	},
}

func printConversation(cmd *cobra.Command, conv *model.Conversation) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", conv.ID, conv.Kind, strings.Join(conv.ParticipantIDs, ", "))
}
