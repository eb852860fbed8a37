// ABOUTME: Round-trip tests for the WebSocket transport
// ABOUTME: Exercises Accept, Emit, and Next against a live test server

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T) (*WSConn, *websocket.Conn) {
	t.Helper()

	serverConn := make(chan *WSConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		require.NoError(t, err)
		serverConn <- conn
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })

	select {
	case conn := <-serverConn:
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted")
		return nil, nil
	}
}

func TestEmit_DeliversEnvelope(t *testing.T) {
	server, client := dialTestServer(t)

	require.NoError(t, server.Emit("new_message", map[string]string{"content": "hi"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env Envelope
	require.NoError(t, wsjson.Read(ctx, client, &env))
	assert.Equal(t, "new_message", env.Event)
	assert.JSONEq(t, `{"content":"hi"}`, string(env.Payload))
}

func TestNext_ReadsEnvelope(t *testing.T) {
	server, client := dialTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, client, Envelope{
		Event:   "send_message",
		Payload: json.RawMessage(`{"content":"hello"}`),
	}))

	env, err := server.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "send_message", env.Event)
	assert.JSONEq(t, `{"content":"hello"}`, string(env.Payload))
}

func TestNext_RejectsMissingEventName(t *testing.T) {
	server, client := dialTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, client, map[string]string{"not_event": "x"}))

	_, err := server.Next(ctx)
	assert.Error(t, err)
}

func TestConnIDsAreUnique(t *testing.T) {
	a, _ := dialTestServer(t)
	b, _ := dialTestServer(t)
	assert.NotEqual(t, a.ID(), b.ID())
}
