// ABOUTME: Periodic reconciliation sweep re-attempting allocation for pending conversations
// ABOUTME: Idempotent failsafe; races safely with request-driven allocation

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/helpdeskd/helpdeskd/internal/allocation"
	"github.com/helpdeskd/helpdeskd/internal/store"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 30 * time.Second

// Lifecycle is the allocation entry point shared with request-driven
// callers. Both paths must go through the same idempotent operation.
type Lifecycle interface {
	Allocate(ctx context.Context, conversationID string) (*store.Agent, error)
}

// PendingLister enumerates conversations awaiting assignment.
type PendingLister interface {
	ListPendingConversations(ctx context.Context) ([]*store.Conversation, error)
}

// AssignedFunc is invoked after the sweep assigns a conversation, so the
// gateway can notify the agent's connections and the conversation's room.
type AssignedFunc func(conv *store.Conversation, agent *store.Agent)

// Scheduler runs the reconciliation sweep on a fixed interval.
type Scheduler struct {
	interval   time.Duration
	lifecycle  Lifecycle
	pending    PendingLister
	onAssigned AssignedFunc
	logger     *slog.Logger

	// kick wakes the loop early, e.g. when an agent comes online
	kick chan struct{}
}

// NewScheduler creates a reconciliation scheduler. interval <= 0 uses
// DefaultInterval; onAssigned may be nil.
func NewScheduler(interval time.Duration, lc Lifecycle, pending PendingLister, onAssigned AssignedFunc, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval:   interval,
		lifecycle:  lc,
		pending:    pending,
		onAssigned: onAssigned,
		logger:     logger.With("component", "reconcile"),
		kick:       make(chan struct{}, 1),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. Each sweep
// is bounded by the interval so overlapping sweeps cannot pile up.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
		case <-s.kick:
		}

		sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
		if err := s.Sweep(sweepCtx); err != nil {
			s.logger.Warn("sweep failed", "error", err)
		}
		cancel()
	}
}

// Kick requests an early sweep, e.g. after an agent connects. Non-blocking;
// a pending kick is enough.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Sweep re-attempts allocation for every pending conversation. Idempotent:
// conversations that became active since listing are skipped inside
// Allocate, and an empty agent pool simply leaves everything pending.
func (s *Scheduler) Sweep(ctx context.Context) error {
	convs, err := s.pending.ListPendingConversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		return nil
	}

	assigned := 0
	for _, conv := range convs {
		agent, err := s.lifecycle.Allocate(ctx, conv.ID)
		if errors.Is(err, allocation.ErrNoEligibleAgents) {
			// Nobody has capacity; later conversations won't fare better
			break
		}
		if err != nil {
			s.logger.Warn("sweep allocation failed",
				"conversation_id", conv.ID,
				"error", err)
			continue
		}
		if agent == nil {
			continue // concurrently handled
		}
		assigned++
		if s.onAssigned != nil {
			s.onAssigned(conv, agent)
		}
	}

	if assigned > 0 {
		s.logger.Info("sweep assigned conversations",
			"assigned", assigned,
			"pending", len(convs))
	}
	return nil
}
