package main

import (
	"fmt"
	"os"

	"chatline/internal/storage"

	"github.com/spf13/cobra"
)

func newCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "transcript <file> [conversation]",
		Short: "Print the local chat transcript",
		Long: `Without a conversation, list the conversation keys stored in the file.
With one (for example room:general or dm:u1:u2), print its latest messages.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.NewBboltStorage(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				keys, err := store.Conversations()
				if err != nil {
					return err
				}
				for _, k := range keys {
					_, _ = fmt.Fprintln(out, k)
				}
				return nil
			}

			messages, err := store.List(args[1], limit)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			for _, m := range messages {
				name := "Anonymous"
				if m.Sender != nil {
					name = m.Sender.Name()
				}
				_, _ = fmt.Fprintf(out, "%s %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), name, m.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of most recent messages to print, 0 for all")
	return cmd
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
