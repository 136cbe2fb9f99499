package commands

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"chatline/internal/config"
	"chatline/internal/content"
	"chatline/internal/models"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the chatline command tree reading from in and
// printing to out.
func NewRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	var app *App

	root := &cobra.Command{
		Use:           "chatline",
		Short:         "Terminal client for private and room chats",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

			app, err = NewApp(cfg, in, out)
			return err
		},
	}

	var peer, room string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive conversation",
		Long: `Open a private conversation with --peer or a room with --room.

Lines typed are sent as messages. Inside the chat:
  /room <id> - switch to a room
  /dm <id>   - switch to a private conversation
  /quit      - leave`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := conversationFromFlags(peer, room)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := conversationFromFlags(peer, room)
			if err != nil {
				return err
			}
			return app.Chat(cmd.Context(), conv)
		},
	}
	chatCmd.Flags().StringVar(&peer, "peer", "", "user id to chat with privately")
	chatCmd.Flags().StringVar(&room, "room", "", "room id to join")
	chatCmd.MarkFlagsMutuallyExclusive("peer", "room")

	roomsCmd := &cobra.Command{
		Use:   "rooms",
		Short: "List chat rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Rooms(cmd.Context())
		},
	}

	friendsCmd := &cobra.Command{
		Use:   "friends",
		Short: "List users available for private chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Friends(cmd.Context())
		},
	}

	root.AddCommand(chatCmd, roomsCmd, friendsCmd)
	return root
}

func conversationFromFlags(peer, room string) (models.Conversation, error) {
	switch {
	case peer != "" && room != "":
		return models.Conversation{}, errors.New("use either --peer or --room, not both")
	case peer != "":
		if err := content.ValidateID(peer); err != nil {
			return models.Conversation{}, err
		}
		return models.PrivateWith(models.UserRef{ID: peer}), nil
	case room != "":
		if err := content.ValidateID(room); err != nil {
			return models.Conversation{}, err
		}
		return models.InRoom(models.RoomRef{ID: room}), nil
	default:
		return models.Conversation{}, errors.New("one of --peer or --room is required")
	}
}
