// ABOUTME: Agent allocation policy selecting an eligible agent under capacity limits
// ABOUTME: Least-loaded eligible agent wins; ties break on lowest agent ID

package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helpdeskd/helpdeskd/internal/store"
)

// ErrNoEligibleAgents indicates no online, active agent has spare capacity.
var ErrNoEligibleAgents = errors.New("no eligible agents")

// LoadStore provides the agent snapshot and assignment writes the policy needs.
type LoadStore interface {
	ListAgentLoads(ctx context.Context) ([]*store.AgentLoad, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AssignAgent(ctx context.Context, conversationID, agentID string) error
	SetAgentOnline(ctx context.Context, agentID string, online bool, lastSeen time.Time) error
}

// Policy selects agents for conversations and records assignments.
// It enforces capacity but never mutates it.
type Policy struct {
	store  LoadStore
	logger *slog.Logger
}

// NewPolicy creates an allocation policy over the given store.
func NewPolicy(s LoadStore, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		store:  s,
		logger: logger.With("component", "allocation"),
	}
}

// FindEligibleAgent returns the least-loaded agent that is online, active,
// and under its concurrency limit. ListAgentLoads returns agents ordered by
// ID, so equal loads resolve to the lowest agent ID.
// Returns ErrNoEligibleAgents when no agent qualifies.
func (p *Policy) FindEligibleAgent(ctx context.Context, topic string) (*store.Agent, error) {
	loads, err := p.store.ListAgentLoads(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agent loads: %w", err)
	}

	var best *store.AgentLoad
	for _, load := range loads {
		if !load.Agent.Online || !load.Agent.Active {
			continue
		}
		if load.ActiveCount >= load.Agent.MaxConcurrent {
			continue
		}
		if best == nil || load.ActiveCount < best.ActiveCount {
			best = load
		}
	}
	if best == nil {
		p.logger.Debug("no eligible agents", "topic", topic)
		return nil, ErrNoEligibleAgents
	}

	p.logger.Debug("eligible agent selected",
		"agent_id", best.Agent.ID,
		"active_count", best.ActiveCount,
		"max_concurrent", best.Agent.MaxConcurrent,
		"topic", topic)
	return best.Agent, nil
}

// Assign records the assignment: conversation gets the agent and flips to
// active, and the agent's last-seen time is stamped. Safe to call twice for
// the same conversation; the store's write is last-assignment-wins and a
// conversation already assigned to this agent is a no-op.
func (p *Policy) Assign(ctx context.Context, conversationID, agentID string) error {
	// Re-read current state so a concurrent assignment is visible
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("reading conversation: %w", err)
	}
	if conv.Assigned() && *conv.AgentID == agentID && conv.Status == store.StatusActive {
		return nil // already ours
	}

	if err := p.store.AssignAgent(ctx, conversationID, agentID); err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	if err := p.store.SetAgentOnline(ctx, agentID, true, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamping agent last-seen: %w", err)
	}

	p.logger.Info("conversation assigned",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return nil
}
