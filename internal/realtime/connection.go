package realtime

import (
	"chatline/internal/models"
	"context"
	"errors"
	"sync"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Connection runs one live socket: events queued by the client are written,
// events read from the server are delivered to the client.
type Connection struct {
	ws         wsConnection
	prelude    []models.ClientEvent
	outgoing   <-chan models.ClientEvent
	incoming   chan<- models.ServerEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

// NewConnection wraps ws. prelude is written before anything from outgoing,
// it carries the membership announcements after a (re)connect.
func NewConnection(
	ws wsConnection,
	prelude []models.ClientEvent,
	outgoing <-chan models.ClientEvent,
	incoming chan<- models.ServerEvent,
) *Connection {
	return &Connection{
		ws:         ws,
		prelude:    prelude,
		outgoing:   outgoing,
		incoming:   incoming,
		fromServer: make(chan models.ServerEvent),
		errorCh:    make(chan error, 2),
	}
}

// Handle returns nil once ctx is done and the first read or write error
// otherwise. The socket is closed in both cases.
func (c *Connection) Handle(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, ev := range c.prelude {
		if err := c.ws.WriteJSON(ev); err != nil {
			_ = c.ws.Close()
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(loopCtx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(loopCtx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-loopCtx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()
	close(c.errorCh)

	if ctx.Err() != nil {
		return nil
	}
	for e := range c.errorCh {
		if err == nil || errors.Is(err, context.Canceled) {
			err = e
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var ev models.ServerEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromServer <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.outgoing:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case ev := <-c.fromServer:
			if ev.Type == "" {
				continue
			}
			select {
			case c.incoming <- ev:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
