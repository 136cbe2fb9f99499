package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"chatline/internal/api"
	"chatline/internal/auth"
	"chatline/internal/config"
	"chatline/internal/models"
	"chatline/internal/realtime"
)

// App wires the collaborators shared by all subcommands.
type App struct {
	cfg     *config.Config
	session *auth.Session
	client  *api.Client
	in      io.Reader
	out     io.Writer

	// cancel is called when the credential is rejected.
	cancel context.CancelFunc
}

func NewApp(cfg *config.Config, in io.Reader, out io.Writer) (*App, error) {
	a := &App{cfg: cfg, in: in, out: out}

	session, err := auth.NewSession(auth.Config{
		Token: cfg.Token,
		User: models.UserRef{
			ID:       cfg.UserID,
			UserName: cfg.UserName,
		},
		OnUnauthorized: func(err error) {
			_, _ = fmt.Fprintln(a.out, "Your session has expired. Please log in again and update CHATLINE_TOKEN.")
			if a.cancel != nil {
				a.cancel()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	a.session = session
	a.client = api.New(cfg.APIURL, session, cfg.HTTPTimeout)
	return a, nil
}

func (a *App) newChannel() (realtime.Channel, error) {
	self := a.session.User().ID
	switch a.cfg.Transport {
	case config.TransportNATS:
		token, err := a.session.Token()
		if err != nil {
			return nil, err
		}
		return realtime.NewNATSChannel(realtime.NATSConfig{
			URL:    a.cfg.NATSURL,
			Prefix: a.cfg.NATSPrefix,
			Token:  token,
			SelfID: self,
		})
	default:
		return realtime.NewWebSocketChannel(realtime.WebSocketConfig{
			URL:    a.cfg.WSURL,
			Token:  a.session.Token,
			SelfID: self,
		})
	}
}

// Rooms prints the chat rooms, subrooms indented under their parent.
func (a *App) Rooms(ctx context.Context) error {
	rooms, err := a.client.Rooms(ctx)
	if err != nil {
		a.reportAuth(err)
		return err
	}
	for _, r := range rooms {
		indent := ""
		if r.ParentID != "" {
			indent = "  "
		}
		_, _ = fmt.Fprintf(a.out, "%s%s\t%s\n", indent, r.ID, r.Name)
	}
	return nil
}

// Friends prints the users available for private chat.
func (a *App) Friends(ctx context.Context) error {
	friends, err := a.client.Friends(ctx)
	if err != nil {
		a.reportAuth(err)
		return err
	}
	for _, f := range friends {
		_, _ = fmt.Fprintf(a.out, "%s\t%s\n", f.ID, f.Name())
	}
	return nil
}

func (a *App) reportAuth(err error) {
	if errors.Is(err, auth.ErrUnauthorized) {
		a.session.Unauthorized(err)
		return
	}
	slog.Debug("request failed", "error", err)
}
