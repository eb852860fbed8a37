// ABOUTME: Scenario tests for gateway event dispatch
// ABOUTME: Exercises authentication, conversation flow, messaging, closure, and reopen end to end

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskd/helpdeskd/internal/allocation"
	"github.com/helpdeskd/helpdeskd/internal/bus"
	"github.com/helpdeskd/helpdeskd/internal/config"
	"github.com/helpdeskd/helpdeskd/internal/lifecycle"
	"github.com/helpdeskd/helpdeskd/internal/reconcile"
	"github.com/helpdeskd/helpdeskd/internal/responder"
	"github.com/helpdeskd/helpdeskd/internal/room"
	"github.com/helpdeskd/helpdeskd/internal/session"
	"github.com/helpdeskd/helpdeskd/internal/store"
	"github.com/helpdeskd/helpdeskd/internal/transport"
)

type emitted struct {
	event   string
	payload any
}

type fakeConn struct {
	id string
	mu sync.Mutex

	events []emitted
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{event: event, payload: payload})
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) eventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.events))
	for _, e := range c.events {
		names = append(names, e.event)
	}
	return names
}

func (c *fakeConn) payloadsOf(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func newTestGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()
	ms := store.NewMockStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions := session.NewRegistry(ms, logger)
	rooms := room.NewTracker(logger)
	policy := allocation.NewPolicy(ms, logger)
	lc := lifecycle.New(ms, policy, logger)
	resp := responder.New(ms, nil, sessions, rooms, logger)
	bridge := bus.NewBridge(rooms, nil, nil, "test-instance", logger)

	g := &Gateway{
		cfg:        &config.Config{},
		logger:     logger,
		instanceID: "test-instance",
		store:      ms,
		sessions:   sessions,
		rooms:      rooms,
		lifecycle:  lc,
		responder:  resp,
		bridge:     bridge,
	}
	g.scheduler = reconcile.NewScheduler(time.Hour, lc, ms, g.notifyAssigned, logger)
	return g, ms
}

func envelope(t *testing.T, event string, payload any) *transport.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &transport.Envelope{Event: event, Payload: raw}
}

func seedAgent(t *testing.T, ms *store.MockStore, id string) {
	t.Helper()
	require.NoError(t, ms.CreateAgent(context.Background(), &store.Agent{
		ID: id, Name: id, Email: id + "@example.com", Active: true, MaxConcurrent: 5,
	}))
}

func seedCustomer(t *testing.T, ms *store.MockStore, id string) {
	t.Helper()
	require.NoError(t, ms.CreateCustomer(context.Background(), &store.Customer{ID: id, Name: id}))
}

func authAgent(t *testing.T, g *Gateway, connID, agentID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: connID}
	g.dispatch(context.Background(), conn, envelope(t, transport.EventAgentAuthenticate, map[string]string{
		"agent_id": agentID,
		"email":    agentID + "@example.com",
	}))
	require.Contains(t, conn.eventNames(), transport.EventAuthenticated)
	return conn
}

func authCustomer(t *testing.T, g *Gateway, connID, customerID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: connID}
	g.dispatch(context.Background(), conn, envelope(t, transport.EventCustomerAuthenticate, map[string]string{
		"customer_id": customerID,
	}))
	require.Contains(t, conn.eventNames(), transport.EventAuthenticated)
	return conn
}

func errorCodes(conn *fakeConn) []string {
	var codes []string
	for _, p := range conn.payloadsOf(transport.EventError) {
		codes = append(codes, p.(transport.ErrorPayload).Code)
	}
	return codes
}

func TestAgentAuthenticate_EmailMismatch(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")

	conn := &fakeConn{id: "conn-1"}
	g.dispatch(context.Background(), conn, envelope(t, transport.EventAgentAuthenticate, map[string]string{
		"agent_id": "agent-1",
		"email":    "wrong@example.com",
	}))

	assert.Equal(t, []string{transport.EventAuthError}, conn.eventNames())
}

func TestAgentAuthenticate_MarksOnline(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")

	authAgent(t, g, "conn-1", "agent-1")

	agent, err := ms.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Online)
}

func TestStartConversation_AssignsAgentAndOnboards(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")

	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	custConn := authCustomer(t, g, "cust-conn", "cust-1")

	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic":   "billing",
		"message": "my invoice is wrong",
	}))

	// Customer sees the created conversation and the persisted initial message
	started := custConn.payloadsOf(transport.EventConversationStarted)
	require.Len(t, started, 1)
	convPayload := started[0].(transport.ConversationPayload)
	assert.Equal(t, "cust-1", convPayload.CustomerID)

	// The agent is told about the new assignment
	requests := agentConn.payloadsOf(transport.EventNewConversationReq)
	require.Len(t, requests, 1)
	assert.Equal(t, "agent-1", requests[0].(transport.ConversationPayload).AgentID)

	// Conversation became active via allocation
	conv, err := ms.GetConversation(context.Background(), convPayload.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)

	// Agent is assigned but not watching the room yet, so automation
	// answers the first turn with the onboarding message
	messages := custConn.payloadsOf(transport.EventNewMessage)
	require.Len(t, messages, 2)
	assert.Equal(t, "my invoice is wrong", messages[0].(transport.MessagePayload).Content)
	reply := messages[1].(transport.MessagePayload)
	assert.Equal(t, store.RoleAutomation, reply.SenderRole)
	assert.NotEmpty(t, reply.Content)
}

func TestStartConversation_RoomHearsAssignment(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")

	authAgent(t, g, "agent-conn", "agent-1")
	custConn := authCustomer(t, g, "cust-conn", "cust-1")

	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic": "billing",
	}))

	// The customer is watching the room and learns which agent was assigned
	joined := custConn.payloadsOf(transport.EventAgentJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "agent-1", joined[0].(agentJoinedPayload).AgentID)
}

func TestStartConversation_NoAgentsStaysPending(t *testing.T) {
	g, ms := newTestGateway(t)
	seedCustomer(t, ms, "cust-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic":   "billing",
		"message": "anyone there?",
	}))

	started := custConn.payloadsOf(transport.EventConversationStarted)
	require.Len(t, started, 1)
	convID := started[0].(transport.ConversationPayload).ID

	conv, err := ms.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, conv.Status)

	// Automation still answers the customer
	messages := custConn.payloadsOf(transport.EventNewMessage)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleAutomation, messages[1].(transport.MessagePayload).SenderRole)
}

func TestStartConversation_RequiresCustomerRole(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")

	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic": "billing",
	}))

	assert.Contains(t, errorCodes(agentConn), "forbidden")
}

func TestSendMessage_AgentWatchingSuppressesAutomation(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic": "billing",
	}))
	convID := custConn.payloadsOf(transport.EventConversationStarted)[0].(transport.ConversationPayload).ID

	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventAgentJoin, map[string]string{
		"conversation_id": convID,
	}))

	g.dispatch(context.Background(), custConn, envelope(t, transport.EventSendMessage, map[string]string{
		"conversation_id": convID,
		"content":         "are you there?",
	}))

	// Both room members receive the message, and no automated reply follows
	custMsgs := custConn.payloadsOf(transport.EventNewMessage)
	require.Len(t, custMsgs, 1)
	assert.Equal(t, store.RoleCustomer, custMsgs[0].(transport.MessagePayload).SenderRole)
	agentMsgs := agentConn.payloadsOf(transport.EventNewMessage)
	require.Len(t, agentMsgs, 1)

	stored, err := ms.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestSendMessage_ClosedConversationRejected(t *testing.T) {
	g, ms := newTestGateway(t)
	seedCustomer(t, ms, "cust-1")
	seedClosedConversation(t, ms, "conv-1", "cust-1", "agent-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventSendMessage, map[string]string{
		"conversation_id": "conv-1",
		"content":         "hello again",
	}))

	assert.Contains(t, errorCodes(custConn), "invalid_state")

	stored, err := ms.ListMessages(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSendMessage_UnassignedAgentRejected(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedAgent(t, ms, "agent-2")
	seedCustomer(t, ms, "cust-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	authAgent(t, g, "agent1-conn", "agent-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic": "billing",
	}))
	convID := custConn.payloadsOf(transport.EventConversationStarted)[0].(transport.ConversationPayload).ID

	intruder := authAgent(t, g, "agent2-conn", "agent-2")
	g.dispatch(context.Background(), intruder, envelope(t, transport.EventSendMessage, map[string]string{
		"conversation_id": convID,
		"content":         "let me in",
	}))

	assert.Contains(t, errorCodes(intruder), "not_owner")
}

func TestAgentJoin_AssignsPendingAndSendsHistory(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic":   "billing",
		"message": "help please",
	}))
	convID := custConn.payloadsOf(transport.EventConversationStarted)[0].(transport.ConversationPayload).ID

	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventAgentJoin, map[string]string{
		"conversation_id": convID,
	}))

	conv, err := ms.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)
	assert.Equal(t, "agent-1", *conv.AgentID)

	// Joining agent receives the transcript; the room hears agent_joined
	history := agentConn.payloadsOf(transport.EventHistory)
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].(historyPayload).Messages)
	assert.Contains(t, custConn.eventNames(), transport.EventAgentJoined)
}

func TestCloseConversation_ClearsRoomState(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic": "billing",
	}))
	convID := custConn.payloadsOf(transport.EventConversationStarted)[0].(transport.ConversationPayload).ID
	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventAgentJoin, map[string]string{
		"conversation_id": convID,
	}))

	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventCloseConversation, map[string]string{
		"conversation_id": convID,
		"reason":          "resolved",
	}))

	assert.Contains(t, custConn.eventNames(), transport.EventConversationClosed)

	conv, err := ms.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, conv.Status)
	assert.Empty(t, g.rooms.Members(conv.RoomID))
}

func TestReopenConversation_PrefersOriginalAgent(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")
	seedClosedConversation(t, ms, "conv-1", "cust-1", "agent-1")

	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	custConn := authCustomer(t, g, "cust-conn", "cust-1")

	g.dispatch(context.Background(), custConn, envelope(t, transport.EventReopenConversation, map[string]string{
		"conversation_id": "conv-1",
	}))

	assert.Contains(t, custConn.eventNames(), transport.EventConversationReopened)

	conv, err := ms.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)
	assert.Equal(t, "agent-1", *conv.AgentID)
	assert.Nil(t, conv.ClosedBy)

	requests := agentConn.payloadsOf(transport.EventNewConversationReq)
	require.Len(t, requests, 1)
}

func TestMarkRead_BroadcastsReceipt(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic":   "billing",
		"message": "please read this",
	}))
	convID := custConn.payloadsOf(transport.EventConversationStarted)[0].(transport.ConversationPayload).ID
	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventAgentJoin, map[string]string{
		"conversation_id": convID,
	}))

	msgs, err := ms.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)

	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventMarkRead, map[string]string{
		"conversation_id": convID,
		"message_id":      msgs[0].ID,
	}))

	receipts := custConn.payloadsOf(transport.EventMessageRead)
	require.Len(t, receipts, 1)
	assert.Equal(t, msgs[0].ID, receipts[0].(readReceiptPayload).MessageID)

	stored, err := ms.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	assert.NotNil(t, stored[0].ReadAt)
}

// markReadFailStore simulates an infrastructure failure on the read stamp.
type markReadFailStore struct {
	store.Store
}

func (s *markReadFailStore) MarkMessageRead(context.Context, string, time.Time) error {
	return errors.New("disk error")
}

func TestMarkRead_StoreFailureReported(t *testing.T) {
	g, ms := newTestGateway(t)
	seedAgent(t, ms, "agent-1")
	seedCustomer(t, ms, "cust-1")

	custConn := authCustomer(t, g, "cust-conn", "cust-1")
	agentConn := authAgent(t, g, "agent-conn", "agent-1")
	g.dispatch(context.Background(), custConn, envelope(t, transport.EventStartConversation, map[string]string{
		"topic":   "billing",
		"message": "please read this",
	}))
	convID := custConn.payloadsOf(transport.EventConversationStarted)[0].(transport.ConversationPayload).ID
	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventAgentJoin, map[string]string{
		"conversation_id": convID,
	}))

	msgs, err := ms.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)

	g.store = &markReadFailStore{Store: ms}
	g.dispatch(context.Background(), agentConn, envelope(t, transport.EventMarkRead, map[string]string{
		"conversation_id": convID,
		"message_id":      msgs[0].ID,
	}))

	assert.Contains(t, errorCodes(agentConn), "internal")
	assert.Empty(t, custConn.payloadsOf(transport.EventMessageRead))
}

func TestDispatch_RequiresAuthentication(t *testing.T) {
	g, _ := newTestGateway(t)

	conn := &fakeConn{id: "conn-1"}
	g.dispatch(context.Background(), conn, envelope(t, transport.EventSendMessage, map[string]string{
		"conversation_id": "conv-1",
		"content":         "hi",
	}))

	assert.Contains(t, errorCodes(conn), "not_authenticated")
}

func TestDispatch_UnknownEvent(t *testing.T) {
	g, _ := newTestGateway(t)

	conn := &fakeConn{id: "conn-1"}
	g.dispatch(context.Background(), conn, &transport.Envelope{Event: "bogus"})

	assert.Contains(t, errorCodes(conn), "unknown_event")
}

// seedClosedConversation inserts a closed conversation owned by the customer
// and previously handled by the agent.
func seedClosedConversation(t *testing.T, ms *store.MockStore, id, customerID, agentID string) {
	t.Helper()
	now := time.Now().UTC()
	closedBy := agentID
	require.NoError(t, ms.CreateConversation(context.Background(), &store.Conversation{
		ID:             id,
		RoomID:         "room:" + id,
		CustomerID:     customerID,
		AgentID:        &closedBy,
		Status:         store.StatusClosed,
		Topic:          "billing",
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		ClosedBy:       &closedBy,
		ClosedAt:       &now,
		Active:         true,
	}))
}
