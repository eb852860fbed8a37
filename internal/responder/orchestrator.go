// ABOUTME: Fallback-response orchestrator deciding when automation answers a customer
// ABOUTME: Applies the availability rule ladder, then LLM generation with deterministic fallbacks

package responder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helpdeskd/helpdeskd/internal/store"
)

// Canned automation replies. First contact is deterministic; the rest cover
// generation failures.
const (
	onboardingMessage = "Thanks for reaching out! A support agent will be with you shortly. " +
		"In the meantime, feel free to describe your issue in as much detail as you can."
	unavailableNotice = "Your agent is currently unavailable. An automated assistant will " +
		"help out until they return."
	clarifyPrompt = "Could you share a bit more detail about the issue so the right person " +
		"can pick this up quickly?"
	handoffMessage = "Thanks for the details. I've flagged this conversation for a support " +
		"agent to follow up with you as soon as possible."
)

const (
	// transcriptLimit bounds how much history is sent to the generator
	transcriptLimit = 20

	// highTurnThreshold is the automated-turn count past which fallback
	// hands off instead of asking for clarification
	highTurnThreshold = 6

	// noticeWindow throttles the "agent unavailable" notice per conversation
	noticeWindow = 5 * time.Minute
)

// fileKeywords trigger the handoff fallback; automation cannot handle
// file exchange.
var fileKeywords = []string{"file", "attachment", "upload", "document", "screenshot"}

// Generator produces a natural-language reply from a transcript. The
// orchestrator only depends on its success/failure contract.
type Generator interface {
	Generate(ctx context.Context, transcript []*store.Message, latest string) (string, error)
}

// ConnectionCounter reports how many live connections an identity holds.
type ConnectionCounter interface {
	ConnectionCount(identity string) int
}

// PresenceChecker reports whether an identity is joined to a room.
// Under horizontal scaling this is per-instance and best-effort.
type PresenceChecker interface {
	IsIdentityPresent(roomID, identity string) bool
}

// Result is the orchestrator's output for one inbound customer message.
type Result struct {
	// Reply is the persisted automation reply, nil when a human will answer.
	Reply *store.Message

	// Notice is the persisted "agent unavailable" notice, nil unless the
	// assigned agent is unreachable and the notice window has elapsed.
	Notice *store.Message
}

// convState is the transient, process-local automation state of one
// conversation. Disposable: never treated as authoritative.
type convState struct {
	turns        int
	lastMessage  string
	lastNoticeAt time.Time
}

// Orchestrator decides, per inbound customer message, whether automation
// must respond, and synthesizes the reply.
type Orchestrator struct {
	store     store.Store
	generator Generator
	conns     ConnectionCounter
	presence  PresenceChecker
	logger    *slog.Logger

	mu    sync.Mutex
	state map[string]*convState // conversationID -> state

	// now is swappable for tests
	now func() time.Time
}

// New creates a fallback-response orchestrator.
func New(s store.Store, gen Generator, conns ConnectionCounter, presence PresenceChecker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     s,
		generator: gen,
		conns:     conns,
		presence:  presence,
		logger:    logger.With("component", "responder"),
		state:     make(map[string]*convState),
		now:       time.Now,
	}
}

// Handle processes one inbound customer message that has already been
// persisted. It applies the rule ladder, and when automation must respond,
// persists and returns the reply (plus at most one throttled unavailability
// notice). A nil Reply means a human agent is watching and will answer.
func (o *Orchestrator) Handle(ctx context.Context, conv *store.Conversation, content string) (*Result, error) {
	respond, notify := o.decide(ctx, conv)
	if !respond {
		return &Result{}, nil
	}

	res := &Result{}
	if notify && o.noticeDue(conv.ID) {
		notice, err := o.persistAutomation(ctx, conv.ID, unavailableNotice)
		if err != nil {
			return nil, err
		}
		res.Notice = notice
	}

	reply, err := o.persistAutomation(ctx, conv.ID, o.compose(ctx, conv, content))
	if err != nil {
		return nil, err
	}
	res.Reply = reply
	return res, nil
}

// Forget clears the transient automation state of a conversation.
// Called when the conversation closes.
func (o *Orchestrator) Forget(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.state, conversationID)
}

// decide applies the rule ladder in order and returns whether automation
// must respond and whether an unavailability notice is warranted.
func (o *Orchestrator) decide(ctx context.Context, conv *store.Conversation) (respond, notify bool) {
	// Rule 1: unassigned or still pending
	if !conv.Assigned() || conv.Status == store.StatusPending {
		return true, false
	}

	agentID := *conv.AgentID
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		// Can't resolve the agent; treat as unavailable rather than silent
		o.logger.Warn("assigned agent lookup failed",
			"conversation_id", conv.ID,
			"agent_id", agentID,
			"error", err)
		return true, true
	}

	// Rule 2: assigned agent offline or disabled
	if !agent.Online || !agent.Active {
		return true, true
	}

	// Rule 3: online on paper, but zero live connections
	if o.conns.ConnectionCount(agentID) == 0 {
		return true, true
	}

	// Rule 4: connected, but not watching this room
	if !o.presence.IsIdentityPresent(conv.RoomID, agentID) {
		return true, false
	}

	// Rule 5: agent is watching; no automated reply
	return false, false
}

// compose produces the automation reply text. The first automated turn is
// the fixed onboarding message; later turns go through the generator with
// the deterministic fallback ladder on failure.
func (o *Orchestrator) compose(ctx context.Context, conv *store.Conversation, content string) string {
	st := o.touch(conv.ID, content)

	if st.turns == 1 {
		return onboardingMessage
	}

	if o.generator == nil {
		return o.fallback(st.turns, content)
	}

	transcript, err := o.store.ListMessages(ctx, conv.ID, transcriptLimit)
	if err != nil {
		o.logger.Warn("transcript load failed, falling back",
			"conversation_id", conv.ID,
			"error", err)
		return o.fallback(st.turns, content)
	}

	reply, err := o.generator.Generate(ctx, transcript, content)
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("generation failed, using fallback ladder",
				"conversation_id", conv.ID,
				"turn", st.turns,
				"error", err)
		}
		return o.fallback(st.turns, content)
	}
	return reply
}

// fallback is the deterministic ladder applied when generation fails:
// file-sharing requests and long exchanges hand off to a human, short
// exchanges get a clarifying prompt.
func (o *Orchestrator) fallback(turns int, content string) string {
	if mentionsFileSharing(content) || turns >= highTurnThreshold {
		return handoffMessage
	}
	return clarifyPrompt
}

// touch bumps the turn counter and records the latest customer message.
func (o *Orchestrator) touch(conversationID, content string) convState {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.state[conversationID]
	if !ok {
		st = &convState{}
		o.state[conversationID] = st
	}
	st.turns++
	st.lastMessage = content
	return *st
}

// noticeDue reports whether the unavailability notice may be sent, and
// stamps the window when it is.
func (o *Orchestrator) noticeDue(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.state[conversationID]
	if !ok {
		st = &convState{}
		o.state[conversationID] = st
	}
	now := o.now()
	if !st.lastNoticeAt.IsZero() && now.Sub(st.lastNoticeAt) < noticeWindow {
		return false
	}
	st.lastNoticeAt = now
	return true
}

// persistAutomation saves an automation message to the conversation.
func (o *Orchestrator) persistAutomation(ctx context.Context, conversationID, content string) (*store.Message, error) {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       store.SystemSender,
		SenderRole:     store.RoleAutomation,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// mentionsFileSharing checks the message for file-exchange keywords.
func mentionsFileSharing(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range fileKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
