package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatline/internal/auth"
	"chatline/internal/content"
	"chatline/internal/conversation"
	"chatline/internal/models"
	"chatline/internal/storage"

	"golang.org/x/sync/errgroup"
)

const actionBuffer = 64

type lineKind int

const (
	lineText lineKind = iota
	lineRoom
	lineDM
	lineQuit
	lineInvalid
)

type inputLine struct {
	kind lineKind
	arg  string
}

// parseLine understands "/room <id>", "/dm <id>" and "/quit"; anything else
// is message text.
func parseLine(line string) inputLine {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return inputLine{kind: lineText, arg: line}
	}
	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return inputLine{kind: lineQuit}
	case "/room", "/dm":
		if err := content.ValidateID(arg); err != nil {
			return inputLine{kind: lineInvalid, arg: err.Error()}
		}
		if cmd == "/room" {
			return inputLine{kind: lineRoom, arg: arg}
		}
		return inputLine{kind: lineDM, arg: arg}
	default:
		return inputLine{kind: lineInvalid, arg: "unknown command " + cmd}
	}
}

func formatEntry(e conversation.Entry, selfID string) string {
	ts := e.Message.CreatedAt.Local().Format("15:04")
	switch e.State {
	case conversation.StateSystem:
		return fmt.Sprintf("[%s] -- %s --", ts, e.Message.Text)
	case conversation.StatePending:
		return fmt.Sprintf("[%s] me: %s (sending)", ts, e.Message.Text)
	}
	name := "Anonymous"
	if e.Message.Sender != nil {
		name = e.Message.Sender.Name()
		if e.Message.Sender.ID == selfID {
			name = "me"
		}
	}
	return fmt.Sprintf("[%s] %s: %s", ts, name, e.Message.Text)
}

// Chat opens an interactive session on conv. Lines read from the input are
// sent, updates of the controller are printed.
func (a *App) Chat(ctx context.Context, conv models.Conversation) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.cancel = cancel

	channel, err := a.newChannel()
	if err != nil {
		return err
	}

	var transcript *storage.BboltStorage
	if a.cfg.Transcript != "" {
		transcript, err = storage.NewBboltStorage(a.cfg.Transcript)
		if err != nil {
			return err
		}
		defer func() { _ = transcript.Close() }()
	}

	self := a.session.User()
	var (
		outMu sync.Mutex
		ctrl  *conversation.Controller
	)
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = fmt.Fprintf(a.out, format, args...)
	}

	ctrl, err = conversation.New(conversation.Config{
		History:       a.client,
		Sender:        a.client,
		Channel:       channel,
		Session:       a.session,
		MaxTextLength: a.cfg.MaxText,
		OnUpdate: func(u conversation.Update) {
			switch u.Kind {
			case conversation.UpdateLoaded:
				view := ctrl.Snapshot()
				printf("== %s (%d messages)\n", view.Conversation.Name(), len(view.Entries))
				for _, e := range view.Entries {
					printf("%s\n", formatEntry(e, self.ID))
					saveEntry(transcript, self.ID, e)
				}
			case conversation.UpdateAppended, conversation.UpdateConfirmed:
				printf("%s\n", formatEntry(u.Entry, self.ID))
				saveEntry(transcript, self.ID, u.Entry)
			case conversation.UpdateRemoved:
				printf("! could not send %q: %v\n", u.Entry.Message.Text, u.Err)
			case conversation.UpdateFailed:
				if u.Err != nil && !errors.Is(u.Err, auth.ErrUnauthorized) {
					var opErr *conversation.OpError
					if errors.As(u.Err, &opErr) && opErr.Op == conversation.OpHistory {
						printf("! could not load messages: %v (use /room or /dm to retry)\n", opErr.Err)
					}
				}
			}
		},
	})
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return channel.Run(gCtx)
	})

	g.Go(func() error {
		return ctrl.Run(gCtx, channel.Events())
	})

	// Switches and sends run one at a time in input order, so a message
	// typed after /room goes to the new conversation.
	actions := make(chan func(context.Context), actionBuffer)

	g.Go(func() error {
		defer cancel()
		for act := range actions {
			if gCtx.Err() != nil {
				return nil
			}
			act(gCtx)
		}
		return nil
	})

	g.Go(func() error {
		defer close(actions)

		enqueue := func(act func(context.Context)) bool {
			select {
			case actions <- act:
				return true
			case <-gCtx.Done():
				return false
			}
		}

		if !enqueue(func(ctx context.Context) { a.selectConversation(ctx, ctrl, conv) }) {
			return nil
		}

		for {
			select {
			case <-gCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				in := parseLine(line)
				var act func(context.Context)
				switch in.kind {
				case lineQuit:
					return nil
				case lineInvalid:
					printf("! %s\n", in.arg)
				case lineRoom:
					act = func(ctx context.Context) { a.selectConversation(ctx, ctrl, models.InRoom(models.RoomRef{ID: in.arg})) }
				case lineDM:
					act = func(ctx context.Context) { a.selectConversation(ctx, ctrl, models.PrivateWith(models.UserRef{ID: in.arg})) }
				case lineText:
					act = func(ctx context.Context) {
						if _, err := ctrl.Send(ctx, in.arg); errors.Is(err, content.ErrTextTooLong) || errors.Is(err, conversation.ErrNoConversation) {
							printf("! %v\n", err)
						}
					}
				}
				if act != nil && !enqueue(act) {
					return nil
				}
			}
		}
	})

	err = g.Wait()
	slog.Debug("chat finished", "stats", ctrl.Stats().String())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) selectConversation(ctx context.Context, ctrl *conversation.Controller, conv models.Conversation) {
	if err := ctrl.Select(ctx, conv); err != nil && !errors.Is(err, conversation.ErrStale) {
		slog.Debug("selection failed", "conversation", conv.Key(a.session.User().ID), "error", err)
	}
}

// transcriptKey derives the conversation key from the message itself, the
// active conversation may already have changed.
func transcriptKey(m models.Message, selfID string) string {
	if m.RoomID != "" {
		return models.InRoom(models.RoomRef{ID: m.RoomID}).Key(selfID)
	}
	peer := m.ReceiverID()
	if peer == selfID || peer == "" {
		peer = m.SenderID()
	}
	if peer == "" {
		return ""
	}
	return models.PrivateWith(models.UserRef{ID: peer}).Key(selfID)
}

func saveEntry(store *storage.BboltStorage, selfID string, e conversation.Entry) {
	if store == nil || e.State != conversation.StateConfirmed || e.Message.ID == "" {
		return
	}
	key := transcriptKey(e.Message, selfID)
	if key == "" {
		return
	}
	if err := store.Append(key, e.Message); err != nil {
		slog.Warn("failed to write transcript", "conversation", key, "error", err)
	}
}
