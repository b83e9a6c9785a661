package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is a Channel over a gorilla WebSocket client connection.
type Conn struct {
	ws   *websocket.Conn
	subs *registry
	log  zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay at url. header usually carries the bearer token.
func Dial(ctx context.Context, url string, header http.Header, log zerolog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return newConn(ws, log), nil
}

func newConn(ws *websocket.Conn, log zerolog.Logger) *Conn {
	c := &Conn{
		ws:   ws,
		subs: newRegistry(),
		log:  log.With().Str("component", "realtime").Logger(),
		done: make(chan struct{}),
	}
	KeepReadDeadline(ws)
	go c.readLoop()
	go KeepAlive(ws, c.done)
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		var env Envelope
		if err := ReadJSON(c.ws, &env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				c.log.Debug().Msg("Connection closed")
			}
			return
		}
		if n := c.subs.dispatch(env.Event, env.Data); n == 0 {
			c.log.Debug().Str("event", string(env.Event)).Msg("No subscriber for event")
		}
	}
}

// Emit sends one event. It is safe for concurrent use.
func (c *Conn) Emit(ctx context.Context, event Event, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteTyped(c.ws, env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Subscribe registers h for event.
func (c *Conn) Subscribe(event Event, h Handler) func() {
	return c.subs.add(event, h)
}

// Subscribers reports the number of live subscriptions across all events.
func (c *Conn) Subscribers() int {
	return c.subs.total()
}

// Done is closed once the read loop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
