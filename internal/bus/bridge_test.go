// ABOUTME: Tests for the fan-out bridge
// ABOUTME: Covers local-only delivery and inbound frame filtering (own-instance, duplicates)

package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/helpdeskd/helpdeskd/internal/dedupe"
	"github.com/helpdeskd/helpdeskd/internal/room"
)

type fakeConn struct {
	id string
	mu sync.Mutex

	events []string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func TestBroadcast_LocalOnlyWithoutClient(t *testing.T) {
	tracker := room.NewTracker(nil)
	conn := &fakeConn{id: "conn-1"}
	tracker.Join("room-1", conn, "cust-1")

	b := NewBridge(tracker, nil, nil, "instance-1", nil)
	b.Broadcast(context.Background(), "room-1", "new_message", map[string]string{"content": "hi"}, "")

	assert.Equal(t, []string{"new_message"}, conn.received())
}

func TestRun_NoClientReturnsImmediately(t *testing.T) {
	b := NewBridge(room.NewTracker(nil), nil, nil, "instance-1", nil)
	assert.NoError(t, b.Run(context.Background()))
}

func TestHandleFrame_SkipsOwnInstance(t *testing.T) {
	tracker := room.NewTracker(nil)
	conn := &fakeConn{id: "conn-1"}
	tracker.Join("room-1", conn, "cust-1")

	b := NewBridge(tracker, nil, dedupe.New(time.Minute, 100), "instance-1", nil)
	defer b.Close()

	b.handleFrame(&Frame{
		MessageID:  "frame-1",
		InstanceID: "instance-1",
		RoomID:     "room-1",
		Event:      "new_message",
	})

	assert.Empty(t, conn.received())
}

func TestHandleFrame_ReplaysRemoteFrames(t *testing.T) {
	tracker := room.NewTracker(nil)
	conn := &fakeConn{id: "conn-1"}
	tracker.Join("room-1", conn, "cust-1")

	b := NewBridge(tracker, nil, dedupe.New(time.Minute, 100), "instance-1", nil)
	defer b.Close()

	b.handleFrame(&Frame{
		MessageID:  "frame-1",
		InstanceID: "instance-2",
		RoomID:     "room-1",
		Event:      "new_message",
		Payload:    json.RawMessage(`{"content":"hi"}`),
	})

	assert.Equal(t, []string{"new_message"}, conn.received())
}

func TestHandleFrame_DropsDuplicates(t *testing.T) {
	tracker := room.NewTracker(nil)
	conn := &fakeConn{id: "conn-1"}
	tracker.Join("room-1", conn, "cust-1")

	b := NewBridge(tracker, nil, dedupe.New(time.Minute, 100), "instance-1", nil)
	defer b.Close()

	frame := &Frame{
		MessageID:  "frame-1",
		InstanceID: "instance-2",
		RoomID:     "room-1",
		Event:      "new_message",
	}
	b.handleFrame(frame)
	b.handleFrame(frame)

	assert.Len(t, conn.received(), 1)
}

func TestFrame_JSONShape(t *testing.T) {
	frame := &Frame{
		MessageID:  "frame-1",
		InstanceID: "instance-1",
		RoomID:     "room-1",
		Event:      "new_message",
		Payload:    json.RawMessage(`{"content":"hi"}`),
		SentAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(frame)
	assert.NoError(t, err)

	var decoded Frame
	assert.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, frame.MessageID, decoded.MessageID)
	assert.Equal(t, frame.InstanceID, decoded.InstanceID)
	assert.Equal(t, frame.RoomID, decoded.RoomID)
	assert.JSONEq(t, `{"content":"hi"}`, string(decoded.Payload))
}
