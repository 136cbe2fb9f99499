package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatline/internal/auth"
	"chatline/internal/content"
	"chatline/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

var (
	ErrNoConversation = errors.New("no conversation selected")
	ErrStale          = errors.New("conversation changed before the response arrived")
	ErrEmptyText      = content.ErrEmptyText
	ErrTextTooLong    = content.ErrTextTooLong
)

type History interface {
	History(ctx context.Context, conv models.Conversation) ([]models.Message, error)
}

type Sender interface {
	Send(ctx context.Context, conv models.Conversation, sender models.UserRef, text string) (models.Message, error)
}

type Channel interface {
	Join(ctx context.Context, conv models.Conversation) error
	Leave(ctx context.Context, conv models.Conversation) error
	Publish(ctx context.Context, conv models.Conversation, msg models.Message) error
}

type Session interface {
	User() models.UserRef
	Unauthorized(err error)
}

// OpError is a recoverable failure of a history fetch or a send.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

const (
	OpHistory = "history"
	OpSend    = "send"
)

// View is a consistent copy of the controller state.
type View struct {
	Conversation models.Conversation
	Entries      []Entry
	Loading      bool
	Err          error
}

type UpdateKind string

const (
	UpdateReset     UpdateKind = "reset"
	UpdateLoaded    UpdateKind = "loaded"
	UpdateAppended  UpdateKind = "appended"
	UpdateConfirmed UpdateKind = "confirmed"
	UpdateRemoved   UpdateKind = "removed"
	UpdateFailed    UpdateKind = "failed"
)

// Update tells observers what changed. Appended means the view should scroll
// to the latest entry.
type Update struct {
	Kind  UpdateKind
	Entry Entry
	Err   error
}

// Stats counts the outcomes of optimistic sends.
type Stats struct {
	Created   int
	Confirmed int
	Removed   int
}

// Outstanding is the number of sends still waiting for the backend.
func (s Stats) Outstanding() int {
	return s.Created - s.Confirmed - s.Removed
}

type Config struct {
	History History
	Sender  Sender
	Channel Channel
	Session Session

	// MaxTextLength limits outgoing text in runes, 0 means unbounded.
	MaxTextLength int
	OnUpdate      func(Update)

	Now       func() time.Time
	NewTempID func() string
	Logger    *slog.Logger
}

func (c *Config) Validate() error {
	switch {
	case c.History == nil:
		return errors.New("history client is required")
	case c.Sender == nil:
		return errors.New("sender is required")
	case c.Channel == nil:
		return errors.New("real-time channel is required")
	case c.Session == nil:
		return errors.New("session is required")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTempID == nil {
		c.NewTempID = func() string { return "tmp-" + uuid.NewString() }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type pendingSend struct {
	convKey string
	gen     uint64
}

// Controller owns the message list of the active conversation.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	active    models.Conversation
	activeKey string
	gen       uint64
	loading   bool
	err       error
	list      entryList
	pending   map[string]pendingSend
	stats     Stats
	// temporary id -> server id while an echo-adopted send is in flight
	recon geche.Geche[string, string]

	// memberMu sequences join/leave calls on the shared channel.
	memberMu sync.Mutex
	joined   models.Conversation
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		list:    newEntryList(),
		pending: make(map[string]pendingSend),
		recon:   geche.NewMapCache[string, string](),
	}, nil
}

// Select makes conv the active conversation and loads its history.
// It returns ErrStale if another Select happened while the history was in
// flight; the late history is discarded.
func (c *Controller) Select(ctx context.Context, conv models.Conversation) error {
	if conv.IsZero() {
		return ErrNoConversation
	}
	self := c.cfg.Session.User()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.active = conv
	c.activeKey = conv.Key(self.ID)
	c.list = newEntryList()
	c.loading = true
	c.err = nil
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateReset})

	c.syncMembership(ctx)

	msgs, err := c.cfg.History.History(ctx, conv)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.cfg.Logger.Debug("discarding stale history", "conversation", conv.Key(self.ID), "messages", len(msgs))
		return ErrStale
	}
	c.loading = false
	if err != nil {
		opErr := &OpError{Op: OpHistory, Err: err}
		c.err = opErr
		c.mu.Unlock()
		c.fail(opErr)
		return opErr
	}
	for _, m := range msgs {
		c.addConfirmedLocked(m, self.ID)
	}
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateLoaded})
	return nil
}

// syncMembership leaves the previously joined conversation and joins the
// active one. Concurrent selections converge on the last active conversation.
func (c *Controller) syncMembership(ctx context.Context) {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()

	self := c.cfg.Session.User()
	c.mu.Lock()
	want := c.active
	c.mu.Unlock()

	if want.Key(self.ID) == c.joined.Key(self.ID) {
		return
	}
	if !c.joined.IsZero() {
		if err := c.cfg.Channel.Leave(ctx, c.joined); err != nil {
			c.cfg.Logger.Warn("failed to leave conversation", "conversation", c.joined.Key(self.ID), "error", err)
		}
	}
	if err := c.cfg.Channel.Join(ctx, want); err != nil {
		c.cfg.Logger.Warn("failed to join conversation", "conversation", want.Key(self.ID), "error", err)
	}
	c.joined = want
}

// Resubscribe re-announces the joined conversation after the channel
// reconnected. History is not fetched again.
func (c *Controller) Resubscribe(ctx context.Context) {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()

	if c.joined.IsZero() {
		return
	}
	if err := c.cfg.Channel.Join(ctx, c.joined); err != nil {
		c.cfg.Logger.Warn("failed to rejoin conversation", "conversation", c.joined.Key(c.cfg.Session.User().ID), "error", err)
	}
}

// Send displays text immediately as a pending entry and persists it.
// On success the pending entry is replaced by the stored message, which is
// then published on the channel. On failure the entry is removed.
func (c *Controller) Send(ctx context.Context, text string) (Entry, error) {
	text, err := content.NormalizeText(text, c.cfg.MaxTextLength)
	if err != nil {
		return Entry{}, err
	}
	self := c.cfg.Session.User()

	c.mu.Lock()
	if c.active.IsZero() {
		c.mu.Unlock()
		return Entry{}, ErrNoConversation
	}
	conv, convKey, gen := c.active, c.activeKey, c.gen

	tempID := c.cfg.NewTempID()
	sender := self
	msg := models.Message{
		Sender:    &sender,
		Text:      text,
		CreatedAt: c.cfg.Now(),
	}
	addressTo(&msg, conv)
	pending := Entry{
		Key:     tempID,
		TempID:  tempID,
		State:   StatePending,
		Message: msg,
		HTML:    renderText(text),
	}
	c.list.insert(pending)
	c.pending[tempID] = pendingSend{convKey: convKey, gen: gen}
	c.stats.Created++
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateAppended, Entry: pending})

	saved, sendErr := c.cfg.Sender.Send(ctx, conv, self, text)

	c.mu.Lock()
	p := c.pending[tempID]
	delete(c.pending, tempID)

	if sendErr != nil {
		// An echo may already have proven the message was stored.
		if e, ok := c.lookupLocked(tempID); ok && e.State == StateConfirmed {
			c.stats.Confirmed++
			_ = c.recon.Del(tempID)
			c.mu.Unlock()
			c.cfg.Logger.Warn("send reported failure after echo confirmed it", "temp_id", tempID, "error", sendErr)
			return e, nil
		}
		c.stats.Removed++
		if e, ok := c.lookupLocked(tempID); ok {
			c.list.remove(e.Key)
		}
		_ = c.recon.Del(tempID)
		opErr := &OpError{Op: OpSend, Err: sendErr}
		if p.gen == c.gen {
			c.err = opErr
		}
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateRemoved, Entry: pending, Err: opErr})
		c.fail(opErr)
		return Entry{}, opErr
	}

	completeMessage(&saved, msg)
	c.stats.Confirmed++
	confirmed, shown := c.confirmLocked(tempID, p, saved, self.ID)
	_ = c.recon.Del(tempID)
	c.mu.Unlock()
	if shown {
		c.notify(Update{Kind: UpdateConfirmed, Entry: confirmed})
	}

	if err := c.cfg.Channel.Publish(ctx, conv, saved); err != nil {
		c.cfg.Logger.Warn("failed to publish message", "message_id", saved.ID, "error", err)
	}
	return confirmed, nil
}

// confirmLocked reconciles the stored message with its pending entry.
func (c *Controller) confirmLocked(tempID string, p pendingSend, saved models.Message, selfID string) (Entry, bool) {
	confirmed := Entry{
		Key:     saved.ID,
		TempID:  tempID,
		State:   StateConfirmed,
		Message: saved,
		HTML:    renderText(saved.Text),
	}
	if confirmed.Key == "" {
		confirmed.Key = tempID
	}

	current, ok := c.lookupLocked(tempID)
	switch {
	case ok:
		if current.Key != confirmed.Key && c.list.has(confirmed.Key) {
			// The echo arrived under the server id without being adopted.
			c.list.remove(current.Key)
			c.list.replace(confirmed.Key, confirmed)
			return confirmed, true
		}
		c.list.replace(current.Key, confirmed)
		return confirmed, true
	case p.convKey == c.activeKey && saved.ID != "" && !c.list.has(saved.ID):
		// The conversation was left and re-entered while the send was in flight.
		c.list.insert(confirmed)
		return confirmed, true
	default:
		return confirmed, false
	}
}

// lookupLocked finds an entry by the temporary id it was created with,
// following the reconciliation table once the server id is known.
func (c *Controller) lookupLocked(tempID string) (Entry, bool) {
	if final, err := c.recon.Get(tempID); err == nil {
		if i := c.list.indexOf(final); i >= 0 && c.list.entries[i].TempID == tempID {
			return c.list.entries[i], true
		}
	}
	if i := c.list.indexOf(tempID); i >= 0 {
		return c.list.entries[i], true
	}
	return Entry{}, false
}

// Receive merges a message pushed by the real-time channel. Messages for
// other conversations are dropped. Receiving the same message twice has no
// further effect.
func (c *Controller) Receive(in models.Incoming) {
	self := c.cfg.Session.User()

	c.mu.Lock()
	if c.active.IsZero() {
		c.mu.Unlock()
		return
	}

	var (
		added Entry
		ok    bool
	)
	switch m := in.(type) {
	case models.UserMessage:
		if !m.BelongsTo(c.active, self.ID) {
			c.mu.Unlock()
			c.cfg.Logger.Debug("dropping message for inactive conversation", "message_id", m.ID)
			return
		}
		added, ok = c.receiveUserLocked(m.Message, self.ID)
	case models.SystemMessage:
		added, ok = c.receiveSystemLocked(m)
	}
	c.mu.Unlock()

	if ok {
		c.notify(Update{Kind: UpdateAppended, Entry: added})
	}
}

func (c *Controller) receiveUserLocked(m models.Message, selfID string) (Entry, bool) {
	if m.ID != "" && c.list.has(m.ID) {
		return Entry{}, false
	}

	if m.SenderID() == selfID {
		if key, found := c.list.oldestPending(selfID, m.Text); found {
			return c.adoptLocked(key, m)
		}
	}

	return c.addConfirmedLocked(m, selfID)
}

// adoptLocked confirms a pending entry from its echo. The send itself
// completes the entry later through the reconciliation table.
func (c *Controller) adoptLocked(key string, m models.Message) (Entry, bool) {
	i := c.list.indexOf(key)
	pending := c.list.entries[i]
	completeMessage(&m, pending.Message)

	adopted := pending
	adopted.State = StateConfirmed
	adopted.Message = m
	if m.ID != "" {
		adopted.Key = m.ID
		c.recon.Set(pending.TempID, m.ID)
	}
	c.list.replace(key, adopted)
	return adopted, true
}

func (c *Controller) addConfirmedLocked(m models.Message, selfID string) (Entry, bool) {
	fp := fingerprint(m.SenderID(), m.Text, m.CreatedAt)
	if m.ID != "" {
		if c.list.has(m.ID) {
			return Entry{}, false
		}
	} else if c.list.hasFingerprint(fp) || c.list.has("fp:"+fp) {
		// Payloads without an id are matched against every entry shown,
		// including those confirmed under a server id.
		return Entry{}, false
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.cfg.Now()
	}

	e := Entry{
		Key:     m.ID,
		State:   StateConfirmed,
		Message: m,
		HTML:    renderText(m.Text),
	}
	if m.ID == "" {
		e.Key = "fp:" + fp
	}
	c.list.insert(e)
	return e, true
}

// receiveSystemLocked shows a placeholder for a payload without a sender.
// Only room payloads can be attributed to a conversation without a sender.
func (c *Controller) receiveSystemLocked(m models.SystemMessage) (Entry, bool) {
	if c.active.Kind != models.ConversationRoom || m.RoomID != c.active.Room.ID {
		return Entry{}, false
	}

	fp := fingerprint("", m.Text, m.CreatedAt)
	key := m.ID
	if key == "" {
		key = "sys:" + fp
	}
	if c.list.has(key) {
		return Entry{}, false
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.cfg.Now()
	}

	text := m.DisplayText()
	e := Entry{
		Key:   key,
		State: StateSystem,
		Message: models.Message{
			ID:        m.ID,
			RoomID:    m.RoomID,
			Text:      text,
			CreatedAt: createdAt,
		},
		HTML: content.Sanitize(text),
	}
	c.list.insert(e)
	return e, true
}

// Run consumes real-time events until ctx is done or events is closed.
func (c *Controller) Run(ctx context.Context, events <-chan models.ServerEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case models.ServerEventReceive:
				c.Receive(models.Resolve(ev.Message))
			case models.ServerEventReconnected:
				c.Resubscribe(ctx)
			default:
				c.cfg.Logger.Debug("ignoring real-time event", "type", ev.Type)
			}
		}
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Conversation: c.active,
		Entries:      c.list.snapshot(),
		Loading:      c.loading,
		Err:          c.err,
	}
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) notify(u Update) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(u)
	}
}

func (c *Controller) fail(err error) {
	if errors.Is(err, auth.ErrUnauthorized) {
		c.cfg.Session.Unauthorized(err)
	}
	c.cfg.Logger.Warn("conversation operation failed", "error", err)
	c.notify(Update{Kind: UpdateFailed, Err: err})
}

func addressTo(m *models.Message, conv models.Conversation) {
	switch conv.Kind {
	case models.ConversationRoom:
		m.RoomID = conv.Room.ID
	case models.ConversationPrivate:
		peer := conv.Peer
		m.Receiver = &peer
	}
}

// completeMessage fills fields the backend left out from the local draft.
func completeMessage(m *models.Message, draft models.Message) {
	if m.Sender == nil || m.Sender.ID == "" {
		m.Sender = draft.Sender
	}
	if m.Receiver == nil && draft.Receiver != nil {
		m.Receiver = draft.Receiver
	}
	if m.RoomID == "" {
		m.RoomID = draft.RoomID
	}
	if m.Text == "" {
		m.Text = draft.Text
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = draft.CreatedAt
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("created=%d confirmed=%d removed=%d", s.Created, s.Confirmed, s.Removed)
}
