package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var (
	readTimeout = 5 * time.Minute
	// pingPeriod stays well under readTimeout so a quiet peer keeps extending it.
	pingPeriod = 30 * time.Second
)

// WriteTyped sends a strongly-typed frame over the WebSocket.
// gorilla connections allow one concurrent writer; callers serialize.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteEvent wraps data in an Envelope and sends it.
func WriteEvent(conn *websocket.Conn, event Event, data interface{}) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return WriteTyped(conn, env)
}

// WriteError sends a typed error frame over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteEvent(conn, EventError, ErrorMessage{Error: errMsg})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	return conn.ReadJSON(v)
}

// KeepReadDeadline extends the read deadline whenever the peer pings, so an idle but
// healthy connection never times out between application frames.
func KeepReadDeadline(conn *websocket.Conn) {
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
}

// KeepAlive pings the peer every pingPeriod until stop is closed or a ping fails. The peer's
// pong, handled by KeepReadDeadline, extends the read deadline on this side.
func KeepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// NewEnvelope marshals data into an Envelope for event.
func NewEnvelope(event Event, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}
