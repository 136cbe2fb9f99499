package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatline/internal/models"

	"github.com/gorilla/websocket"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	eventBuffer       = 100
)

type WebSocketConfig struct {
	URL    string
	Token  func() (string, error)
	SelfID string

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// dial is replaced in tests.
	dial func(ctx context.Context) (wsConnection, error)
}

func (c *WebSocketConfig) Validate() error {
	if c.URL == "" && c.dial == nil {
		return errors.New("websocket url is required")
	}
	if c.SelfID == "" {
		return errors.New("self id is required")
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(defaultMaxBackoff, c.MinBackoff)
	}
	return nil
}

// WebSocketChannel speaks JSON ClientEvent/ServerEvent frames over a single
// websocket and keeps reconnecting until its context is done.
type WebSocketChannel struct {
	cfg      WebSocketConfig
	members  *membership
	outgoing chan models.ClientEvent
	events   chan models.ServerEvent
}

func NewWebSocketChannel(cfg WebSocketConfig) (*WebSocketChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch := &WebSocketChannel{
		cfg:      cfg,
		members:  newMembership(),
		outgoing: make(chan models.ClientEvent, eventBuffer),
		events:   make(chan models.ServerEvent, eventBuffer),
	}
	if ch.cfg.dial == nil {
		ch.cfg.dial = ch.dialWebSocket
	}
	return ch, nil
}

func (w *WebSocketChannel) dialWebSocket(ctx context.Context) (wsConnection, error) {
	header := http.Header{}
	if w.cfg.Token != nil {
		token, err := w.cfg.Token()
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", w.cfg.URL, err)
	}
	return conn, nil
}

func (w *WebSocketChannel) enqueue(ctx context.Context, ev models.ClientEvent) error {
	select {
	case w.outgoing <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocketChannel) Join(ctx context.Context, conv models.Conversation) error {
	id := conv.Key(w.cfg.SelfID)
	w.members.add(id)
	return w.enqueue(ctx, models.ClientEvent{Type: models.ClientEventJoin, ConversationID: id})
}

func (w *WebSocketChannel) Leave(ctx context.Context, conv models.Conversation) error {
	id := conv.Key(w.cfg.SelfID)
	if !w.members.has(id) {
		return nil
	}
	w.members.remove(id)
	return w.enqueue(ctx, models.ClientEvent{Type: models.ClientEventLeave, ConversationID: id})
}

func (w *WebSocketChannel) Publish(ctx context.Context, conv models.Conversation, msg models.Message) error {
	return w.enqueue(ctx, models.ClientEvent{
		Type:           models.ClientEventSend,
		ConversationID: conv.Key(w.cfg.SelfID),
		Message:        &msg,
	})
}

func (w *WebSocketChannel) Events() <-chan models.ServerEvent {
	return w.events
}

// Joined returns the ids of the joined conversations.
func (w *WebSocketChannel) Joined() []string {
	return w.members.list()
}

// Run keeps the socket connected. After every reconnect the joined
// conversations are announced again and a reconnected event is emitted.
func (w *WebSocketChannel) Run(ctx context.Context) error {
	backoff := w.cfg.MinBackoff
	connected := false

	for {
		conn, err := w.cfg.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("real-time channel dial failed", "error", err, "retry_in", backoff)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, w.cfg.MaxBackoff)
			continue
		}
		backoff = w.cfg.MinBackoff

		prelude := w.announcements()
		if connected {
			slog.Info("real-time channel reconnected", "rooms", len(prelude))
			select {
			case w.events <- models.ServerEvent{Type: models.ServerEventReconnected}:
			case <-ctx.Done():
				_ = conn.Close()
				return ctx.Err()
			}
		}
		connected = true

		err = NewConnection(conn, prelude, w.outgoing, w.events).Handle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("real-time channel disconnected", "error", err)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

func (w *WebSocketChannel) announcements() []models.ClientEvent {
	ids := w.members.list()
	out := make([]models.ClientEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.ClientEvent{Type: models.ClientEventJoin, ConversationID: id})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
