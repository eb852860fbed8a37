// ABOUTME: WebSocket implementation of the transport Conn interface
// ABOUTME: Wraps coder/websocket with JSON envelopes and bounded write timeouts

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// writeTimeout bounds each Emit so one dead peer cannot stall a broadcast.
const writeTimeout = 5 * time.Second

// WSConn is a WebSocket-backed connection.
type WSConn struct {
	id   string
	conn *websocket.Conn

	// writeMu serializes writes; coder/websocket allows one concurrent writer
	writeMu sync.Mutex
}

// Accept upgrades an HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks happen at the proxy layer
	})
	if err != nil {
		return nil, fmt.Errorf("accepting websocket: %w", err)
	}
	return &WSConn{
		id:   uuid.New().String(),
		conn: conn,
	}, nil
}

// ID returns the unique connection identifier.
func (c *WSConn) ID() string {
	return c.id
}

// Emit sends a named event with a JSON payload.
func (c *WSConn) Emit(event string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	frame := struct {
		Event   string `json:"event"`
		Payload any    `json:"payload,omitempty"`
	}{Event: event, Payload: payload}

	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	return nil
}

// Next blocks until the next inbound envelope arrives.
func (c *WSConn) Next(ctx context.Context) (*Envelope, error) {
	var env Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}

// Close tears down the connection.
func (c *WSConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure WSConn satisfies the transport interfaces.
var _ ReadConn = (*WSConn)(nil)
