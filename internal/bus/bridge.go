// ABOUTME: Bridge mirroring room broadcasts across gateway instances
// ABOUTME: Local emit plus bus publish; inbound frames are deduped and replayed locally

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helpdeskd/helpdeskd/internal/dedupe"
	"github.com/helpdeskd/helpdeskd/internal/room"
)

// Bridge fans room broadcasts out to every gateway instance. With no bus
// client it degrades to local-only delivery, which is the single-instance
// deployment.
type Bridge struct {
	tracker    *room.Tracker
	client     *Client
	cache      *dedupe.Cache
	instanceID string
	logger     *slog.Logger
}

// NewBridge creates a fan-out bridge. client may be nil for local-only
// operation; cache is only consulted when a client is present.
func NewBridge(tracker *room.Tracker, client *Client, cache *dedupe.Cache, instanceID string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		tracker:    tracker,
		client:     client,
		cache:      cache,
		instanceID: instanceID,
		logger:     logger.With("component", "bridge"),
	}
}

// InstanceID returns this bridge's instance tag.
func (b *Bridge) InstanceID() string { return b.instanceID }

// Broadcast delivers an event to the room's local members and mirrors it to
// other instances. Publish failures are logged, never surfaced: local
// delivery already happened and the caller cannot act on a broker error.
func (b *Bridge) Broadcast(ctx context.Context, roomID, event string, payload any, excludeConnID string) {
	b.tracker.Broadcast(roomID, event, payload, excludeConnID)

	if b.client == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broadcast payload not marshalable",
			"room_id", roomID,
			"event", event,
			"error", err)
		return
	}
	frame := &Frame{
		MessageID:  uuid.New().String(),
		InstanceID: b.instanceID,
		RoomID:     roomID,
		Event:      event,
		Payload:    raw,
		SentAt:     time.Now().UTC(),
	}
	if err := b.client.Publish(ctx, frame); err != nil {
		b.logger.Warn("broadcast mirror publish failed",
			"room_id", roomID,
			"event", event,
			"error", err)
	}
}

// Run consumes mirrored frames until ctx is cancelled. Frames from this
// instance, and redelivered duplicates, are dropped; the rest are replayed
// to local room members only. Returns nil when no bus client is configured.
func (b *Bridge) Run(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	err := b.client.Consume(ctx, b.handleFrame)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handleFrame replays one inbound frame to local room members.
func (b *Bridge) handleFrame(frame *Frame) {
	if frame.InstanceID == b.instanceID {
		return
	}
	if b.cache != nil && b.cache.CheckAndMark(frame.MessageID) {
		b.logger.Debug("dropping duplicate bus frame",
			"message_id", frame.MessageID,
			"room_id", frame.RoomID)
		return
	}
	// json.RawMessage passes through Emit's encoder unchanged
	b.tracker.Broadcast(frame.RoomID, frame.Event, frame.Payload, "")
}

// Close releases the dedupe cache and the bus connection.
func (b *Bridge) Close() {
	if b.cache != nil {
		b.cache.Close()
	}
	if b.client != nil {
		b.client.Close()
	}
}
