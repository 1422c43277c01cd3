package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/flowsync/internal/history"
	"github.com/user/flowsync/internal/render"
	"github.com/user/flowsync/internal/replay"
	"github.com/user/flowsync/internal/types"
)

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(conversationListCmd, conversationShowCmd, conversationClearCmd)
}

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		index := history.NewIndexStore(cfg.DataDir)
		transcripts := history.NewTranscriptStore(cfg.DataDir)

		ctx := context.Background()
		list, err := index.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBINDING\tSTATUS\tEVENTS\tUPDATED\tTITLE")
		for _, c := range list {
			count, err := transcripts.Count(ctx, c.ConversationID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				c.ConversationID,
				c.BindingKey,
				c.Status,
				count,
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
				c.Title,
			)
		}
		return w.Flush()
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation's state rebuilt from its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		transcripts := history.NewTranscriptStore(cfg.DataDir)

		ctx := context.Background()
		state, err := replay.Rebuild(ctx, transcripts, types.ConversationID(args[0]))
		if err != nil {
			return fmt.Errorf("rebuild conversation: %w", err)
		}

		renderer := render.New(nil, 0)
		fmt.Fprintln(os.Stdout, renderer.Status(state))
		if state.Message != "" {
			fmt.Fprintf(os.Stdout, "\nLast message:\n%s\n", state.Message)
		}
		return nil
	},
}

var conversationClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a conversation or all conversations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		if args[0] == "all" {
			conversationsDir := filepath.Join(cfg.DataDir, "conversations")
			if err := os.RemoveAll(conversationsDir); err != nil {
				return fmt.Errorf("remove conversations directory: %w", err)
			}
			fmt.Println("All conversations cleared.")
			return nil
		}

		// Delete validates the ID against the index, so a crafted path
		// cannot escape the data dir.
		index := history.NewIndexStore(cfg.DataDir)
		if err := index.Delete(context.Background(), types.ConversationID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Conversation %s cleared.\n", args[0])
		return nil
	},
}
