package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatline/internal/models"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "chat"

type NATSConfig struct {
	URL    string
	Prefix string
	Token  string
	SelfID string
}

func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return errors.New("nats url is required")
	}
	if c.SelfID == "" {
		return errors.New("self id is required")
	}
	if c.Prefix == "" {
		c.Prefix = DefaultSubjectPrefix
	}
	return nil
}

// NATSChannel maps conversations onto NATS subjects: joining subscribes to
// <prefix>.<conversation id>, leaving unsubscribes.
type NATSChannel struct {
	cfg    NATSConfig
	nc     *nats.Conn
	events chan models.ServerEvent

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATSChannel(cfg NATSConfig) (*NATSChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch := &NATSChannel{
		cfg:    cfg,
		events: make(chan models.ServerEvent, eventBuffer),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("chatline-" + cfg.SelfID),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(*nats.Conn) {
			slog.Info("nats reconnected")
			ch.emit(models.ServerEvent{Type: models.ServerEventReconnected})
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	ch.nc = nc
	return ch, nil
}

// subject builds the NATS subject for a conversation id. Dots and
// whitespace would split the subject into extra tokens.
func subject(prefix, conversationID string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '\n', '*', '>':
			return '_'
		}
		return r
	}, conversationID)
	return prefix + "." + clean
}

func (n *NATSChannel) Join(_ context.Context, conv models.Conversation) error {
	id := conv.Key(n.cfg.SelfID)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[id]; ok {
		return nil
	}
	sub, err := n.nc.Subscribe(subject(n.cfg.Prefix, id), func(msg *nats.Msg) {
		n.handle(id, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", id, err)
	}
	n.subs[id] = sub
	return nil
}

func (n *NATSChannel) Leave(_ context.Context, conv models.Conversation) error {
	id := conv.Key(n.cfg.SelfID)

	n.mu.Lock()
	sub, ok := n.subs[id]
	delete(n.subs, id)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", id, err)
	}
	return nil
}

func (n *NATSChannel) Publish(_ context.Context, conv models.Conversation, msg models.Message) error {
	id := conv.Key(n.cfg.SelfID)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := n.nc.Publish(subject(n.cfg.Prefix, id), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", id, err)
	}
	return nil
}

func (n *NATSChannel) handle(conversationID string, msg *nats.Msg) {
	ev, err := decodeNATSMessage(conversationID, msg)
	if err != nil {
		slog.Warn("dropping malformed nats message", "subject", msg.Subject, "error", err)
		return
	}
	n.emit(ev)
}

func decodeNATSMessage(conversationID string, msg *nats.Msg) (models.ServerEvent, error) {
	var m models.Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return models.ServerEvent{}, err
	}
	return models.ServerEvent{
		Type:           models.ServerEventReceive,
		ConversationID: conversationID,
		Message:        &m,
	}, nil
}

func (n *NATSChannel) emit(ev models.ServerEvent) {
	select {
	case n.events <- ev:
	default:
		slog.Warn("real-time event buffer full, dropping event", "type", ev.Type)
	}
}

func (n *NATSChannel) Events() <-chan models.ServerEvent {
	return n.events
}

// Run blocks until ctx is done and then drains the connection.
func (n *NATSChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
	}
	return ctx.Err()
}
