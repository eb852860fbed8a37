// ABOUTME: Per-connection read loop and event dispatch for the routing engine
// ABOUTME: Decodes inbound envelopes, enforces authorization, and drives the domain services

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/helpdeskd/helpdeskd/internal/allocation"
	"github.com/helpdeskd/helpdeskd/internal/lifecycle"
	"github.com/helpdeskd/helpdeskd/internal/session"
	"github.com/helpdeskd/helpdeskd/internal/store"
	"github.com/helpdeskd/helpdeskd/internal/transport"
)

// defaultHistoryLimit bounds history replies when the client does not ask
// for a specific window.
const defaultHistoryLimit = 50

// Inbound payloads.
type agentAuthPayload struct {
	AgentID string `json:"agent_id"`
	Email   string `json:"email"`
}

type customerAuthPayload struct {
	CustomerID string `json:"customer_id"`
}

type startConversationPayload struct {
	Topic   string `json:"topic"`
	Label   string `json:"label,omitempty"`
	Message string `json:"message,omitempty"`
}

type conversationRefPayload struct {
	ConversationID string `json:"conversation_id"`
}

type closeConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type historyRequestPayload struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

type markReadPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Outbound payloads not covered by the transport package.
type authenticatedPayload struct {
	Role     string `json:"role"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

type existingConversationsPayload struct {
	Conversations []transport.ConversationPayload `json:"conversations"`
}

type agentJoinedPayload struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
}

type historyPayload struct {
	ConversationID string                     `json:"conversation_id"`
	Messages       []transport.MessagePayload `json:"messages"`
}

type readReceiptPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ReaderID       string `json:"reader_id"`
}

// serveConn runs one connection's read loop until the peer drops or the
// context ends, then tears down session and room state.
func (g *Gateway) serveConn(ctx context.Context, conn transport.ReadConn) {
	g.logger.Debug("connection opened", "conn_id", conn.ID())
	defer func() {
		g.rooms.Leave(conn.ID())
		if _, _, err := g.sessions.Disconnect(ctx, conn.ID()); err != nil {
			g.logger.Warn("disconnect cleanup failed",
				"conn_id", conn.ID(),
				"error", err)
		}
		_ = conn.Close()
		g.logger.Debug("connection closed", "conn_id", conn.ID())
	}()

	for {
		env, err := conn.Next(ctx)
		if err != nil {
			return
		}
		g.dispatch(ctx, conn, env)
	}
}

// dispatch routes one inbound envelope to its handler.
func (g *Gateway) dispatch(ctx context.Context, conn transport.Conn, env *transport.Envelope) {
	switch env.Event {
	case transport.EventAgentAuthenticate:
		g.handleAgentAuthenticate(ctx, conn, env.Payload)
	case transport.EventCustomerAuthenticate:
		g.handleCustomerAuthenticate(ctx, conn, env.Payload)
	case transport.EventStartConversation:
		g.handleStartConversation(ctx, conn, env.Payload)
	case transport.EventAgentJoin:
		g.handleAgentJoin(ctx, conn, env.Payload)
	case transport.EventSendMessage:
		g.handleSendMessage(ctx, conn, env.Payload)
	case transport.EventCloseConversation:
		g.handleCloseConversation(ctx, conn, env.Payload)
	case transport.EventArchiveConversation:
		g.handleArchiveConversation(ctx, conn, env.Payload)
	case transport.EventReopenConversation:
		g.handleReopenConversation(ctx, conn, env.Payload)
	case transport.EventJoinExisting:
		g.handleJoinExisting(ctx, conn, env.Payload)
	case transport.EventGetHistory:
		g.handleGetHistory(ctx, conn, env.Payload)
	case transport.EventStartTyping:
		g.handleTyping(ctx, conn, env.Payload, true)
	case transport.EventStopTyping:
		g.handleTyping(ctx, conn, env.Payload, false)
	case transport.EventMarkRead:
		g.handleMarkRead(ctx, conn, env.Payload)
	default:
		g.emitError(conn, "unknown_event", "unknown event: "+env.Event)
	}
}

func (g *Gateway) handleAgentAuthenticate(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	var p agentAuthPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.AgentID == "" {
		g.emitAuthError(conn, "agent_id and email are required")
		return
	}

	agent, convs, err := g.sessions.AuthenticateAgent(ctx, conn, p.AgentID, p.Email)
	if err != nil {
		g.logger.Warn("agent authentication failed",
			"agent_id", p.AgentID,
			"conn_id", conn.ID(),
			"error", err)
		g.emitAuthError(conn, "authentication failed")
		return
	}

	// Rejoin the rooms of every open conversation so presence is rebuilt
	for _, conv := range convs {
		g.rooms.Join(conv.RoomID, conn, agent.ID)
	}

	_ = conn.Emit(transport.EventAuthenticated, authenticatedPayload{
		Role:     string(session.RoleAgent),
		Identity: agent.ID,
		Name:     agent.Name,
	})
	_ = conn.Emit(transport.EventExistingConversations, existingConversationsPayload{
		Conversations: conversationPayloads(convs),
	})

	// An agent coming online may unblock pending conversations
	g.scheduler.Kick()
}

func (g *Gateway) handleCustomerAuthenticate(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	var p customerAuthPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CustomerID == "" {
		g.emitAuthError(conn, "customer_id is required")
		return
	}

	customer, convs, err := g.sessions.AuthenticateCustomer(ctx, conn, p.CustomerID)
	if err != nil {
		g.logger.Warn("customer authentication failed",
			"customer_id", p.CustomerID,
			"conn_id", conn.ID(),
			"error", err)
		g.emitAuthError(conn, "authentication failed")
		return
	}

	for _, conv := range convs {
		g.rooms.Join(conv.RoomID, conn, customer.ID)
	}

	_ = conn.Emit(transport.EventAuthenticated, authenticatedPayload{
		Role:     string(session.RoleCustomer),
		Identity: customer.ID,
		Name:     customer.Name,
	})
	_ = conn.Emit(transport.EventExistingConversations, existingConversationsPayload{
		Conversations: conversationPayloads(convs),
	})
}

func (g *Gateway) handleStartConversation(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireRole(conn, session.RoleCustomer)
	if !ok {
		return
	}
	var p startConversationPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Topic == "" {
		g.emitError(conn, "bad_request", "topic is required")
		return
	}

	conv, msg, err := g.lifecycle.Create(ctx, sess.Identity, p.Topic, p.Label, p.Message)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}
	g.rooms.Join(conv.RoomID, conn, sess.Identity)
	_ = conn.Emit(transport.EventConversationStarted, conversationPayload(conv))
	if msg != nil {
		g.bridge.Broadcast(ctx, conv.RoomID, transport.EventNewMessage, messagePayload(msg), "")
	}

	agent, err := g.lifecycle.Allocate(ctx, conv.ID)
	switch {
	case errors.Is(err, allocation.ErrNoEligibleAgents):
		// Nobody can take it; let every online agent know it is waiting
		g.notifyAgentsPending(conv)
	case err != nil:
		g.logger.Error("allocation failed",
			"conversation_id", conv.ID,
			"error", err)
	case agent != nil:
		g.notifyAssigned(conv, agent)
	}

	if msg != nil {
		fresh, err := g.store.GetConversation(ctx, conv.ID)
		if err != nil {
			fresh = conv
		}
		g.autoRespond(ctx, fresh, msg.Content)
	}
}

func (g *Gateway) handleAgentJoin(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireRole(conn, session.RoleAgent)
	if !ok {
		return
	}
	var p conversationRefPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		g.emitError(conn, "bad_request", "conversation_id is required")
		return
	}

	conv, err := g.lifecycle.AgentJoin(ctx, p.ConversationID, sess.Identity)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}

	g.rooms.Join(conv.RoomID, conn, sess.Identity)
	g.bridge.Broadcast(ctx, conv.RoomID, transport.EventAgentJoined, agentJoinedPayload{
		ConversationID: conv.ID,
		AgentID:        sess.Identity,
	}, "")
	g.sendHistory(ctx, conn, conv.ID, defaultHistoryLimit)
}

func (g *Gateway) handleSendMessage(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireSession(conn)
	if !ok {
		return
	}
	var p sendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" || p.Content == "" {
		g.emitError(conn, "bad_request", "conversation_id and content are required")
		return
	}

	conv, err := g.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}
	if !g.mayParticipate(sess, conv) {
		g.emitError(conn, "not_owner", "not a participant in this conversation")
		return
	}
	// Closed conversations reject messages; the customer must reopen first
	if conv.Status == store.StatusClosed || conv.Status == store.StatusArchived {
		g.emitError(conn, "invalid_state", "conversation is "+conv.Status)
		return
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       sess.Identity,
		SenderRole:     senderRole(sess.Role),
		Content:        p.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := g.store.SaveMessage(ctx, msg); err != nil {
		g.emitDomainError(conn, err)
		return
	}
	conv.LastActivityAt = msg.CreatedAt
	conv.UpdatedAt = msg.CreatedAt
	if err := g.store.UpdateConversation(ctx, conv); err != nil {
		g.logger.Warn("activity stamp failed",
			"conversation_id", conv.ID,
			"error", err)
	}

	g.bridge.Broadcast(ctx, conv.RoomID, transport.EventNewMessage, messagePayload(msg), "")

	if sess.Role == session.RoleCustomer {
		g.autoRespond(ctx, conv, p.Content)
	}
}

func (g *Gateway) handleCloseConversation(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireRole(conn, session.RoleAgent)
	if !ok {
		return
	}
	var p closeConversationPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		g.emitError(conn, "bad_request", "conversation_id is required")
		return
	}

	conv, err := g.lifecycle.Close(ctx, p.ConversationID, sess.Identity, p.Reason)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}

	g.bridge.Broadcast(ctx, conv.RoomID, transport.EventConversationClosed, conversationPayload(conv), "")

	// Transient per-conversation state is cleared on close
	g.rooms.LeaveRoom(conv.RoomID)
	g.responder.Forget(conv.ID)
}

func (g *Gateway) handleArchiveConversation(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	_, ok := g.requireRole(conn, session.RoleAgent)
	if !ok {
		return
	}
	var p conversationRefPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		g.emitError(conn, "bad_request", "conversation_id is required")
		return
	}

	conv, err := g.lifecycle.Archive(ctx, p.ConversationID)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}
	_ = conn.Emit(transport.EventConversationArchived, conversationPayload(conv))
}

func (g *Gateway) handleReopenConversation(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireRole(conn, session.RoleCustomer)
	if !ok {
		return
	}
	var p conversationRefPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		g.emitError(conn, "bad_request", "conversation_id is required")
		return
	}

	conv, agent, err := g.lifecycle.Reopen(ctx, p.ConversationID, sess.Identity)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}

	g.rooms.Join(conv.RoomID, conn, sess.Identity)
	g.bridge.Broadcast(ctx, conv.RoomID, transport.EventConversationReopened, conversationPayload(conv), "")

	if agent != nil {
		g.notifyAssigned(conv, agent)
	} else {
		g.notifyAgentsPending(conv)
	}
}

func (g *Gateway) handleJoinExisting(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireSession(conn)
	if !ok {
		return
	}
	var p conversationRefPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		g.emitError(conn, "bad_request", "conversation_id is required")
		return
	}

	conv, err := g.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}
	if !g.mayParticipate(sess, conv) {
		g.emitError(conn, "not_owner", "not a participant in this conversation")
		return
	}
	if conv.Status != store.StatusPending && conv.Status != store.StatusActive {
		g.emitError(conn, "invalid_state", "conversation is "+conv.Status)
		return
	}

	g.rooms.Join(conv.RoomID, conn, sess.Identity)
	g.sendHistory(ctx, conn, conv.ID, defaultHistoryLimit)
}

func (g *Gateway) handleGetHistory(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireSession(conn)
	if !ok {
		return
	}
	var p historyRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		g.emitError(conn, "bad_request", "conversation_id is required")
		return
	}

	conv, err := g.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}
	if !g.mayParticipate(sess, conv) {
		g.emitError(conn, "not_owner", "not a participant in this conversation")
		return
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	g.sendHistory(ctx, conn, conv.ID, limit)
}

func (g *Gateway) handleTyping(ctx context.Context, conn transport.Conn, raw json.RawMessage, typing bool) {
	sess, ok := g.requireSession(conn)
	if !ok {
		return
	}
	var p conversationRefPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		return // typing relays fail silently
	}

	conv, err := g.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return
	}
	if !g.mayParticipate(sess, conv) {
		return
	}

	g.bridge.Broadcast(ctx, conv.RoomID, transport.EventTyping, transport.TypingPayload{
		ConversationID: conv.ID,
		Identity:       sess.Identity,
		Typing:         typing,
	}, conn.ID())
}

func (g *Gateway) handleMarkRead(ctx context.Context, conn transport.Conn, raw json.RawMessage) {
	sess, ok := g.requireSession(conn)
	if !ok {
		return
	}
	var p markReadPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" || p.ConversationID == "" {
		g.emitError(conn, "bad_request", "conversation_id and message_id are required")
		return
	}

	conv, err := g.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}
	if !g.mayParticipate(sess, conv) {
		g.emitError(conn, "not_owner", "not a participant in this conversation")
		return
	}

	// Already-read messages keep their stamp and the store reports success
	if err := g.store.MarkMessageRead(ctx, p.MessageID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.emitError(conn, "not_found", "message not found")
			return
		}
		g.logger.Error("mark read failed",
			"message_id", p.MessageID,
			"error", err)
		g.emitError(conn, "internal", "internal error")
		return
	}

	g.bridge.Broadcast(ctx, conv.RoomID, transport.EventMessageRead, readReceiptPayload{
		ConversationID: conv.ID,
		MessageID:      p.MessageID,
		ReaderID:       sess.Identity,
	}, conn.ID())
}

// autoRespond runs the fallback orchestrator for one customer message and
// broadcasts whatever it produced.
func (g *Gateway) autoRespond(ctx context.Context, conv *store.Conversation, content string) {
	res, err := g.responder.Handle(ctx, conv, content)
	if err != nil {
		g.logger.Error("automated response failed",
			"conversation_id", conv.ID,
			"error", err)
		return
	}
	if res.Notice != nil {
		g.bridge.Broadcast(ctx, conv.RoomID, transport.EventAgentUnavailable, messagePayload(res.Notice), "")
	}
	if res.Reply != nil {
		g.bridge.Broadcast(ctx, conv.RoomID, transport.EventNewMessage, messagePayload(res.Reply), "")
	}
}

// notifyAgentsPending tells every connected agent about a conversation that
// could not be assigned.
func (g *Gateway) notifyAgentsPending(conv *store.Conversation) {
	payload := conversationPayload(conv)
	for _, conn := range g.sessions.AgentConnections() {
		if err := conn.Emit(transport.EventNewConversationReq, payload); err != nil {
			g.logger.Debug("pending notify failed",
				"conn_id", conn.ID(),
				"error", err)
		}
	}
}

// sendHistory emits a conversation's recent messages to one connection.
func (g *Gateway) sendHistory(ctx context.Context, conn transport.Conn, conversationID string, limit int) {
	msgs, err := g.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		g.emitDomainError(conn, err)
		return
	}
	_ = conn.Emit(transport.EventHistory, historyPayload{
		ConversationID: conversationID,
		Messages:       messagePayloads(msgs),
	})
}

// requireSession resolves the connection's session or emits an error.
func (g *Gateway) requireSession(conn transport.Conn) (*session.Session, bool) {
	sess, ok := g.sessions.Get(conn.ID())
	if !ok {
		g.emitError(conn, "not_authenticated", "authenticate first")
		return nil, false
	}
	return sess, true
}

// requireRole resolves the session and checks its role.
func (g *Gateway) requireRole(conn transport.Conn, role session.Role) (*session.Session, bool) {
	sess, ok := g.requireSession(conn)
	if !ok {
		return nil, false
	}
	if sess.Role != role {
		g.emitError(conn, "forbidden", "operation requires "+string(role)+" role")
		return nil, false
	}
	return sess, true
}

// mayParticipate reports whether the session may act on the conversation:
// the owning customer, or the assigned agent.
func (g *Gateway) mayParticipate(sess *session.Session, conv *store.Conversation) bool {
	switch sess.Role {
	case session.RoleCustomer:
		return conv.CustomerID == sess.Identity
	case session.RoleAgent:
		return conv.Assigned() && *conv.AgentID == sess.Identity
	default:
		return false
	}
}

func (g *Gateway) emitError(conn transport.Conn, code, msg string) {
	_ = conn.Emit(transport.EventError, transport.ErrorPayload{Message: msg, Code: code})
}

func (g *Gateway) emitAuthError(conn transport.Conn, msg string) {
	_ = conn.Emit(transport.EventAuthError, transport.ErrorPayload{Message: msg})
}

// emitDomainError maps domain errors to wire error codes.
func (g *Gateway) emitDomainError(conn transport.Conn, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.emitError(conn, "not_found", "conversation not found")
	case errors.Is(err, lifecycle.ErrInvalidState):
		g.emitError(conn, "invalid_state", err.Error())
	case errors.Is(err, lifecycle.ErrNotOwner):
		g.emitError(conn, "not_owner", err.Error())
	case errors.Is(err, lifecycle.ErrAgentAtCapacity):
		g.emitError(conn, "at_capacity", err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.emitError(conn, "internal", "internal error")
	}
}

// senderRole maps a session role to a message sender role.
func senderRole(role session.Role) string {
	if role == session.RoleAgent {
		return store.RoleAgent
	}
	return store.RoleCustomer
}

// conversationPayload converts a stored conversation for wire delivery.
func conversationPayload(conv *store.Conversation) transport.ConversationPayload {
	p := transport.ConversationPayload{
		ID:             conv.ID,
		RoomID:         conv.RoomID,
		CustomerID:     conv.CustomerID,
		Status:         conv.Status,
		Topic:          conv.Topic,
		Label:          conv.Label,
		CreatedAt:      conv.CreatedAt,
		LastActivityAt: conv.LastActivityAt,
		ClosedAt:       conv.ClosedAt,
	}
	if conv.AgentID != nil {
		p.AgentID = *conv.AgentID
	}
	if conv.ClosedBy != nil {
		p.ClosedBy = *conv.ClosedBy
	}
	if conv.CloseReason != nil {
		p.CloseReason = *conv.CloseReason
	}
	return p
}

func conversationPayloads(convs []*store.Conversation) []transport.ConversationPayload {
	out := make([]transport.ConversationPayload, 0, len(convs))
	for _, conv := range convs {
		out = append(out, conversationPayload(conv))
	}
	return out
}

// messagePayload converts a stored message for wire delivery.
func messagePayload(msg *store.Message) transport.MessagePayload {
	return transport.MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		ReadAt:         msg.ReadAt,
	}
}

func messagePayloads(msgs []*store.Message) []transport.MessagePayload {
	out := make([]transport.MessagePayload, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, messagePayload(msg))
	}
	return out
}
