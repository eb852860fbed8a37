// ABOUTME: Session registry binding live connections to authenticated identities
// ABOUTME: Validates claimed identities against the store and tracks agent online state

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helpdeskd/helpdeskd/internal/store"
	"github.com/helpdeskd/helpdeskd/internal/transport"
)

// ErrAuthentication indicates an unresolvable or mismatched identity.
var ErrAuthentication = errors.New("authentication failed")

// ErrNotAuthenticated indicates the connection has no recorded identity.
var ErrNotAuthenticated = errors.New("connection not authenticated")

// Role of an authenticated identity.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Session binds one live connection to one identity. An identity may own
// several concurrent sessions (multi-device).
type Session struct {
	Conn     transport.Conn
	Identity string
	Role     Role
	StartAt  time.Time
}

// Registry tracks connection-to-identity bindings. It is mutated only by the
// connection-lifecycle handlers; other components read through its methods.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session            // connID -> session
	byIdentity map[string]map[string]*Session // identity -> connID -> session

	store  store.Store
	logger *slog.Logger
}

// NewRegistry creates a session registry backed by the given store.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]*Session),
		store:      s,
		logger:     logger.With("component", "session"),
	}
}

// AuthenticateAgent validates the claimed agent identity (existence and exact
// email match), records the session, and marks the agent online. Returns the
// resolved agent and its open conversations so the caller can rejoin rooms.
func (r *Registry) AuthenticateAgent(ctx context.Context, conn transport.Conn, agentID, email string) (*store.Agent, []*store.Conversation, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown agent %s", ErrAuthentication, agentID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up agent: %w", err)
	}
	if agent.Email != email {
		return nil, nil, fmt.Errorf("%w: identity mismatch for agent %s", ErrAuthentication, agentID)
	}

	now := time.Now().UTC()
	if err := r.store.SetAgentOnline(ctx, agentID, true, now); err != nil {
		return nil, nil, fmt.Errorf("marking agent online: %w", err)
	}
	agent.Online = true
	agent.LastSeenAt = &now

	convs, err := r.store.ListOpenConversationsByAgent(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing agent conversations: %w", err)
	}

	r.record(ctx, conn, agentID, RoleAgent)
	r.logger.Info("agent authenticated",
		"agent_id", agentID,
		"conn_id", conn.ID(),
		"open_conversations", len(convs))
	return agent, convs, nil
}

// AuthenticateCustomer validates that the customer exists, records the
// session, and returns the customer's open conversations.
func (r *Registry) AuthenticateCustomer(ctx context.Context, conn transport.Conn, customerID string) (*store.Customer, []*store.Conversation, error) {
	customer, err := r.store.GetCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown customer %s", ErrAuthentication, customerID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up customer: %w", err)
	}

	convs, err := r.store.ListOpenConversationsByCustomer(ctx, customerID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing customer conversations: %w", err)
	}

	r.record(ctx, conn, customerID, RoleCustomer)
	r.logger.Info("customer authenticated",
		"customer_id", customerID,
		"conn_id", conn.ID(),
		"open_conversations", len(convs))
	return customer, convs, nil
}

// Disconnect removes the connection's session. If it was the identity's last
// live connection and the identity is an agent, the agent is marked offline.
// Returns the removed session, or nil if the connection was never
// authenticated.
func (r *Registry) Disconnect(ctx context.Context, connID string) (*Session, bool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false, nil
	}
	delete(r.sessions, connID)
	conns := r.byIdentity[sess.Identity]
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(r.byIdentity, sess.Identity)
	}
	r.mu.Unlock()

	if last && sess.Role == RoleAgent {
		if err := r.store.SetAgentOnline(ctx, sess.Identity, false, time.Now().UTC()); err != nil {
			return sess, last, fmt.Errorf("marking agent offline: %w", err)
		}
		r.logger.Info("agent offline", "agent_id", sess.Identity)
	}

	r.logger.Debug("session removed",
		"conn_id", connID,
		"identity", sess.Identity,
		"last_connection", last)
	return sess, last, nil
}

// Get returns the session for a connection.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[connID]
	return sess, ok
}

// ConnectionCount returns the number of live connections held by an identity.
func (r *Registry) ConnectionCount(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byIdentity[identity])
}

// Connections returns the live connections held by an identity.
func (r *Registry) Connections(identity string) []transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]transport.Conn, 0, len(r.byIdentity[identity]))
	for _, sess := range r.byIdentity[identity] {
		conns = append(conns, sess.Conn)
	}
	return conns
}

// AgentConnections returns the live connections of every agent session.
// Used to notify online agents of unassigned conversations.
func (r *Registry) AgentConnections() []transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []transport.Conn
	for _, sess := range r.sessions {
		if sess.Role == RoleAgent {
			conns = append(conns, sess.Conn)
		}
	}
	return conns
}

// Count returns the total number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// record binds the connection to the identity. A connection re-authenticating
// as a different identity first has its old binding evicted, including the
// offline transition when it was that identity's last connection.
func (r *Registry) record(ctx context.Context, conn transport.Conn, identity string, role Role) {
	r.mu.Lock()
	var stale *Session
	staleLast := false
	if old, ok := r.sessions[conn.ID()]; ok && old.Identity != identity {
		stale = old
		conns := r.byIdentity[old.Identity]
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(r.byIdentity, old.Identity)
			staleLast = true
		}
	}

	sess := &Session{
		Conn:     conn,
		Identity: identity,
		Role:     role,
		StartAt:  time.Now().UTC(),
	}
	r.sessions[conn.ID()] = sess
	if _, ok := r.byIdentity[identity]; !ok {
		r.byIdentity[identity] = make(map[string]*Session)
	}
	r.byIdentity[identity][conn.ID()] = sess
	r.mu.Unlock()

	if stale != nil {
		if staleLast && stale.Role == RoleAgent {
			if err := r.store.SetAgentOnline(ctx, stale.Identity, false, time.Now().UTC()); err != nil {
				r.logger.Warn("marking displaced agent offline failed",
					"agent_id", stale.Identity,
					"error", err)
			}
		}
		r.logger.Info("session rebound",
			"conn_id", conn.ID(),
			"old_identity", stale.Identity,
			"identity", identity)
	}
}
