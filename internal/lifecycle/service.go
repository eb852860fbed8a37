// ABOUTME: Conversation lifecycle state machine owning status transitions
// ABOUTME: pending -> active -> closed -> archived, with reopen back to active or pending

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helpdeskd/helpdeskd/internal/allocation"
	"github.com/helpdeskd/helpdeskd/internal/store"
)

// ErrInvalidState indicates a transition attempted from the wrong source state.
var ErrInvalidState = errors.New("invalid conversation state")

// ErrNotOwner indicates the actor lacks rights over the conversation.
var ErrNotOwner = errors.New("actor does not own conversation")

// ErrAgentAtCapacity indicates the agent already carries its maximum number
// of active conversations.
var ErrAgentAtCapacity = errors.New("agent at capacity")

// Allocator is the single allocation path shared by request-driven and
// timer-driven callers. Both must go through the same idempotent operations.
type Allocator interface {
	FindEligibleAgent(ctx context.Context, topic string) (*store.Agent, error)
	Assign(ctx context.Context, conversationID, agentID string) error
}

// Service owns conversation status and its valid transitions. Every
// mutation re-reads current state first; invalid transitions fail with a
// domain error and perform no mutation.
type Service struct {
	store  store.Store
	alloc  Allocator
	logger *slog.Logger
}

// New creates a lifecycle service.
func New(s store.Store, alloc Allocator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		alloc:  alloc,
		logger: logger.With("component", "lifecycle"),
	}
}

// Create starts a new conversation in pending state. If initialMessage is
// non-empty it is persisted before any automated reply can be generated.
func (s *Service) Create(ctx context.Context, customerID, topic, label, initialMessage string) (*store.Conversation, *store.Message, error) {
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		RoomID:         "room:" + uuid.New().String(),
		CustomerID:     customerID,
		Status:         store.StatusPending,
		Topic:          topic,
		Label:          label,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, nil, fmt.Errorf("creating conversation: %w", err)
	}

	var msg *store.Message
	if initialMessage != "" {
		msg = &store.Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderID:       customerID,
			SenderRole:     store.RoleCustomer,
			Content:        initialMessage,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.store.SaveMessage(ctx, msg); err != nil {
			return nil, nil, fmt.Errorf("saving initial message: %w", err)
		}
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"customer_id", customerID,
		"topic", topic)
	return conv, msg, nil
}

// Allocate runs the allocation policy for a pending conversation.
// On success the conversation becomes active with the selected agent.
// When no agent is eligible the conversation stays pending and
// allocation.ErrNoEligibleAgents is returned so the caller can notify
// operators. A conversation found already non-pending is a no-op.
func (s *Service) Allocate(ctx context.Context, conversationID string) (*store.Agent, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusPending {
		return nil, nil // concurrently handled; idempotent skip
	}

	agent, err := s.alloc.FindEligibleAgent(ctx, conv.Topic)
	if err != nil {
		return nil, err
	}
	if err := s.alloc.Assign(ctx, conv.ID, agent.ID); err != nil {
		return nil, err
	}
	return agent, nil
}

// AgentJoin handles an agent joining a conversation. A pending conversation
// is assigned to the joining agent and becomes active, provided the agent is
// under its concurrency limit. An active conversation accepts only its
// assigned agent.
func (s *Service) AgentJoin(ctx context.Context, conversationID, agentID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	switch conv.Status {
	case store.StatusPending:
		// An explicit join bypasses the allocation policy, so the capacity
		// limit is enforced here
		agent, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		count, err := s.store.CountActiveConversations(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if count >= agent.MaxConcurrent {
			return nil, fmt.Errorf("%w: agent %s already has %d active conversations", ErrAgentAtCapacity, agentID, count)
		}
		if err := s.alloc.Assign(ctx, conv.ID, agentID); err != nil {
			return nil, err
		}
		return s.store.GetConversation(ctx, conv.ID)

	case store.StatusActive:
		if !conv.Assigned() || *conv.AgentID != agentID {
			return nil, fmt.Errorf("%w: conversation %s is assigned elsewhere", ErrNotOwner, conv.ID)
		}
		return conv, nil

	default:
		return nil, fmt.Errorf("%w: cannot join %s conversation", ErrInvalidState, conv.Status)
	}
}

// Close terminates an active conversation. Only the assigned agent may
// close it. Closure metadata is recorded; transient per-conversation state
// (room membership, automation counters) is cleared by the caller.
func (s *Service) Close(ctx context.Context, conversationID, closingAgent, reason string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusActive {
		return nil, fmt.Errorf("%w: cannot close %s conversation", ErrInvalidState, conv.Status)
	}
	if !conv.Assigned() || *conv.AgentID != closingAgent {
		return nil, fmt.Errorf("%w: only the assigned agent may close", ErrNotOwner)
	}

	now := time.Now().UTC()
	conv.Status = store.StatusClosed
	conv.ClosedBy = &closingAgent
	conv.ClosedAt = &now
	if reason != "" {
		conv.CloseReason = &reason
	}
	conv.UpdatedAt = now
	conv.LastActivityAt = now
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}

	s.logger.Info("conversation closed",
		"conversation_id", conv.ID,
		"closed_by", closingAgent,
		"reason", reason)
	return conv, nil
}

// Archive moves a closed conversation to its terminal archived state.
func (s *Service) Archive(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusClosed {
		return nil, fmt.Errorf("%w: cannot archive %s conversation", ErrInvalidState, conv.Status)
	}

	now := time.Now().UTC()
	conv.Status = store.StatusArchived
	conv.UpdatedAt = now
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("archiving conversation: %w", err)
	}

	s.logger.Info("conversation archived", "conversation_id", conv.ID)
	return conv, nil
}

// Reopen reopens a closed conversation for its owning customer. The
// original agent is preferred when online, active, and under capacity;
// otherwise allocation runs fresh. With no eligible agent the conversation
// lands back in pending. Closure metadata is cleared either way.
func (s *Service) Reopen(ctx context.Context, conversationID, requestingCustomer string) (*store.Conversation, *store.Agent, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.Status != store.StatusClosed {
		return nil, nil, fmt.Errorf("%w: cannot reopen %s conversation", ErrInvalidState, conv.Status)
	}
	if conv.CustomerID != requestingCustomer {
		return nil, nil, fmt.Errorf("%w: conversation belongs to another customer", ErrNotOwner)
	}

	original := conv.ClosedBy
	now := time.Now().UTC()
	conv.Status = store.StatusPending
	conv.AgentID = nil
	conv.ClosedBy = nil
	conv.CloseReason = nil
	conv.ClosedAt = nil
	conv.UpdatedAt = now
	conv.LastActivityAt = now
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, nil, fmt.Errorf("reopening conversation: %w", err)
	}

	// Preference (a): original agent, if still usable
	if original != nil {
		if agent, ok := s.originalAgentUsable(ctx, *original); ok {
			if err := s.alloc.Assign(ctx, conv.ID, agent.ID); err != nil {
				return nil, nil, err
			}
			reopened, err := s.store.GetConversation(ctx, conv.ID)
			if err != nil {
				return nil, nil, err
			}
			s.logger.Info("conversation reopened with original agent",
				"conversation_id", conv.ID,
				"agent_id", agent.ID)
			return reopened, agent, nil
		}
	}

	// Preference (b): fresh allocation
	agent, err := s.Allocate(ctx, conv.ID)
	if errors.Is(err, allocation.ErrNoEligibleAgents) {
		s.logger.Info("conversation reopened unassigned", "conversation_id", conv.ID)
		return conv, nil, nil // stays pending
	}
	if err != nil {
		return nil, nil, err
	}
	reopened, err := s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return reopened, agent, nil
}

// originalAgentUsable checks whether the agent that closed the conversation
// can take it back: online, active, and under capacity.
func (s *Service) originalAgentUsable(ctx context.Context, agentID string) (*store.Agent, bool) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, false
	}
	if !agent.Online || !agent.Active {
		return nil, false
	}
	count, err := s.store.CountActiveConversations(ctx, agentID)
	if err != nil || count >= agent.MaxConcurrent {
		return nil, false
	}
	return agent, true
}
