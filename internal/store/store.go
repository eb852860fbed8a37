// ABOUTME: Store interface and data types for helpdeskd persistence
// ABOUTME: Defines Conversation, Agent, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation status constants. A conversation moves
// pending -> active -> closed -> archived, with reopen going back to
// active or pending.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusClosed   = "closed"
	StatusArchived = "archived"
)

// Sender role constants for messages. Role is an explicit tag, not derived
// from flag combinations.
const (
	RoleCustomer   = "customer"
	RoleAgent      = "agent"
	RoleAutomation = "automation"
)

// SystemSender is the sender ID stamped on automation and notice messages.
const SystemSender = "system"

// Conversation represents one support interaction between a customer and
// (eventually) an agent or automation.
type Conversation struct {
	ID             string
	RoomID         string
	CustomerID     string
	AgentID        *string // nil while unassigned
	Status         string
	Topic          string
	Label          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
	ClosedBy       *string
	CloseReason    *string
	ClosedAt       *time.Time
	Active         bool
}

// Assigned reports whether the conversation currently has an agent.
func (c *Conversation) Assigned() bool {
	return c.AgentID != nil && *c.AgentID != ""
}

// Agent represents a human support operator.
type Agent struct {
	ID            string
	Name          string
	Email         string
	Online        bool
	Active        bool
	MaxConcurrent int
	LastSeenAt    *time.Time
}

// Customer represents a support customer. The engine only needs existence
// checks; profile data lives elsewhere.
type Customer struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Message represents one turn in a conversation. Append-only; only ReadAt
// is ever stamped after creation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderRole     string // "customer", "agent", "automation"
	Content        string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// AgentLoad pairs an agent with its current in-progress conversation count,
// as computed by the store in one query.
type AgentLoad struct {
	Agent       *Agent
	ActiveCount int
}

// Store defines the interface for conversation, agent, and message persistence.
// The store is the single source of truth; in-process caches are disposable.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListOpenConversationsByCustomer(ctx context.Context, customerID string) ([]*Conversation, error)
	ListOpenConversationsByAgent(ctx context.Context, agentID string) ([]*Conversation, error)
	ListPendingConversations(ctx context.Context) ([]*Conversation, error)

	// AssignAgent sets the conversation's agent and status to active.
	// Last assignment wins; callers re-check status before invoking it.
	AssignAgent(ctx context.Context, conversationID, agentID string) error

	// Agents
	GetAgent(ctx context.Context, id string) (*Agent, error)
	CreateAgent(ctx context.Context, agent *Agent) error
	SetAgentOnline(ctx context.Context, agentID string, online bool, lastSeen time.Time) error
	SetAgentActive(ctx context.Context, agentID string, active bool) error
	ListAgentLoads(ctx context.Context) ([]*AgentLoad, error)
	CountActiveConversations(ctx context.Context, agentID string) (int, error)

	// Customers
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	CreateCustomer(ctx context.Context, customer *Customer) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) error

	// Close releases any resources held by the store
	Close() error
}
