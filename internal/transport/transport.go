// ABOUTME: Transport abstraction for bidirectional per-connection messaging
// ABOUTME: The engine emits named events to connections; the wire protocol lives behind Conn

package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Inbound event names received from clients.
const (
	EventAgentAuthenticate    = "agent_authenticate"
	EventCustomerAuthenticate = "customer_authenticate"
	EventStartConversation    = "start_conversation"
	EventAgentJoin            = "agent_join"
	EventSendMessage          = "send_message"
	EventCloseConversation    = "close_conversation"
	EventArchiveConversation  = "archive_conversation"
	EventReopenConversation   = "reopen_conversation"
	EventJoinExisting         = "join_existing"
	EventGetHistory           = "get_history"
	EventStartTyping          = "start_typing"
	EventStopTyping           = "stop_typing"
	EventMarkRead             = "mark_read"
)

// Outbound event names emitted to clients.
const (
	EventAuthenticated         = "authenticated"
	EventConversationStarted   = "conversation_started"
	EventAuthError             = "auth_error"
	EventExistingConversations = "existing_conversations"
	EventNewConversationReq    = "new_conversation_request"
	EventAgentJoined           = "agent_joined"
	EventNewMessage            = "new_message"
	EventConversationClosed    = "conversation_closed"
	EventConversationArchived  = "conversation_archived"
	EventConversationReopened  = "conversation_reopened"
	EventHistory               = "history"
	EventTyping                = "typing"
	EventMessageRead           = "message_read"
	EventAgentUnavailable      = "agent_unavailable"
	EventError                 = "error"
)

// Envelope is the wire frame for every event in either direction.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is one live client connection. Implementations must be safe for
// concurrent Emit calls.
type Conn interface {
	// ID returns the unique connection identifier.
	ID() string

	// Emit sends a named event with a JSON-encodable payload.
	Emit(event string, payload any) error

	// Close tears down the connection.
	Close() error
}

// ReadConn extends Conn with the receive side used by the gateway read loop.
type ReadConn interface {
	Conn

	// Next blocks until the next inbound envelope or the context is done.
	Next(ctx context.Context) (*Envelope, error)
}

// MessagePayload mirrors store.Message for wire delivery.
type MessagePayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderRole     string     `json:"sender_role"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// ConversationPayload mirrors store.Conversation for wire delivery.
type ConversationPayload struct {
	ID             string     `json:"id"`
	RoomID         string     `json:"room_id"`
	CustomerID     string     `json:"customer_id"`
	AgentID        string     `json:"agent_id,omitempty"`
	Status         string     `json:"status"`
	Topic          string     `json:"topic"`
	Label          string     `json:"label,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ClosedBy       string     `json:"closed_by,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// ErrorPayload is sent with auth_error and error events.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TypingPayload is relayed for start_typing/stop_typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	Identity       string `json:"identity"`
	Typing         bool   `json:"typing"`
}
