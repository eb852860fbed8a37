// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	agents        map[string]*Agent        // keyed by agent ID
	customers     map[string]*Customer     // keyed by customer ID
	messages      map[string][]*Message    // keyed by conversation ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		agents:        make(map[string]*Agent),
		customers:     make(map[string]*Customer),
		messages:      make(map[string][]*Message),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// UpdateConversation replaces the stored conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; !ok {
		return ErrNotFound
	}
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// ListOpenConversationsByCustomer returns non-archived conversations for a customer.
func (m *MockStore) ListOpenConversationsByCustomer(ctx context.Context, customerID string) ([]*Conversation, error) {
	return m.listConversations(func(c *Conversation) bool {
		return c.CustomerID == customerID && c.Status != StatusArchived && c.Active
	}), nil
}

// ListOpenConversationsByAgent returns pending/active conversations for an agent.
func (m *MockStore) ListOpenConversationsByAgent(ctx context.Context, agentID string) ([]*Conversation, error) {
	return m.listConversations(func(c *Conversation) bool {
		return c.Assigned() && *c.AgentID == agentID &&
			(c.Status == StatusPending || c.Status == StatusActive) && c.Active
	}), nil
}

// ListPendingConversations returns all active pending conversations.
func (m *MockStore) ListPendingConversations(ctx context.Context) ([]*Conversation, error) {
	return m.listConversations(func(c *Conversation) bool {
		return c.Status == StatusPending && c.Active
	}), nil
}

// AssignAgent sets the agent and activates the conversation. Last write wins.
func (m *MockStore) AssignAgent(ctx context.Context, conversationID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	id := agentID
	conv.AgentID = &id
	conv.Status = StatusActive
	now := time.Now().UTC()
	conv.UpdatedAt = now
	conv.LastActivityAt = now
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	a := *agent
	return &a, nil
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// SetAgentOnline flips the online flag and stamps last-seen.
func (m *MockStore) SetAgentOnline(ctx context.Context, agentID string, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	agent.Online = online
	t := lastSeen
	agent.LastSeenAt = &t
	return nil
}

// SetAgentActive flips the active flag.
func (m *MockStore) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	agent.Active = active
	return nil
}

// ListAgentLoads returns agents with active-conversation counts, ordered by ID.
func (m *MockStore) ListAgentLoads(ctx context.Context) ([]*AgentLoad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, c := range m.conversations {
		if c.Assigned() && c.Status == StatusActive && c.Active {
			counts[*c.AgentID]++
		}
	}

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	loads := make([]*AgentLoad, 0, len(ids))
	for _, id := range ids {
		a := *m.agents[id]
		loads = append(loads, &AgentLoad{Agent: &a, ActiveCount: counts[id]})
	}
	return loads, nil
}

// CountActiveConversations counts active conversations assigned to an agent.
func (m *MockStore) CountActiveConversations(ctx context.Context, agentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, c := range m.conversations {
		if c.Assigned() && *c.AgentID == agentID && c.Status == StatusActive && c.Active {
			count++
		}
	}
	return count, nil
}

// GetCustomer retrieves a customer by ID.
func (m *MockStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	customer, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *customer
	return &c, nil
}

// CreateCustomer stores a new customer.
func (m *MockStore) CreateCustomer(ctx context.Context, customer *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *customer
	m.customers[c.ID] = &c
	return nil
}

// SaveMessage appends a message to its conversation.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	message := *msg
	m.messages[message.ConversationID] = append(m.messages[message.ConversationID], &message)
	return nil
}

// ListMessages returns the most recent messages in creation order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		c := *msg
		out = append(out, &c)
	}
	return out, nil
}

// MarkMessageRead stamps the read timestamp on a message.
func (m *MockStore) MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				if msg.ReadAt == nil {
					t := readAt
					msg.ReadAt = &t
				}
				return nil
			}
		}
	}
	return ErrNotFound
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// listConversations returns copies of conversations matching the filter,
// ordered by creation time.
func (m *MockStore) listConversations(match func(*Conversation) bool) []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if match(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Ensure MockStore satisfies the Store interface.
var _ Store = (*MockStore)(nil)
