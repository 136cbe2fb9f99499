package realtime

import (
	"chatline/internal/models"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockWS struct {
	readCh      chan models.ServerEvent
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ServerEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case m.writeCh <- v:
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ServerEvent); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func expectWrite(t *testing.T, ws *mockWS) models.ClientEvent {
	t.Helper()
	select {
	case v := <-ws.writeCh:
		ev, ok := v.(models.ClientEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("WS did not receive a client event")
		return models.ClientEvent{}
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	ws := newMockWS()
	outgoing := make(chan models.ClientEvent, 10)
	incoming := make(chan models.ServerEvent, 10)
	prelude := []models.ClientEvent{{Type: models.ClientEventJoin, ConversationID: "room:r1"}}

	conn := NewConnection(ws, prelude, outgoing, incoming)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Prelude goes out first
	if ev := expectWrite(t, ws); ev.Type != models.ClientEventJoin || ev.ConversationID != "room:r1" {
		t.Errorf("expected prelude join, got %+v", ev)
	}

	// 2. Client -> Server
	outgoing <- models.ClientEvent{
		Type:           models.ClientEventSend,
		ConversationID: "room:r1",
		Message:        &models.Message{ID: "m1", Text: "hello"},
	}
	if ev := expectWrite(t, ws); ev.Message == nil || ev.Message.Text != "hello" {
		t.Errorf("WS received wrong event: %+v", ev)
	}

	// 3. Server -> Client
	ws.readCh <- models.ServerEvent{
		Type:    models.ServerEventReceive,
		Message: &models.Message{ID: "m2", Text: "hi back"},
	}
	select {
	case ev := <-incoming:
		if ev.Message == nil || ev.Message.Text != "hi back" {
			t.Errorf("client received wrong event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("client did not receive server event")
	}

	// 4. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return after cancel")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	ws := newMockWS()
	ws.errToReturn = errors.New("read error")

	conn := NewConnection(ws, nil, make(chan models.ClientEvent), make(chan models.ServerEvent))

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_PreludeError(t *testing.T) {
	ws := newMockWS()
	ws.errToReturn = errors.New("write error")
	prelude := []models.ClientEvent{{Type: models.ClientEventJoin, ConversationID: "room:r1"}}

	err := NewConnection(ws, prelude, nil, nil).Handle(context.Background())
	if err == nil {
		t.Fatal("expected prelude write error")
	}
	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}
