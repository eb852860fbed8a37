// ABOUTME: Room membership tracker mapping conversation rooms to live connections
// ABOUTME: Provides join/leave, presence checks, and the local broadcast primitive

package room

import (
	"log/slog"
	"sync"

	"github.com/helpdeskd/helpdeskd/internal/transport"
)

// member is one connection joined to a room, tagged with its identity so
// presence checks can answer "is this identity watching this room".
type member struct {
	conn     transport.Conn
	identity string
}

// Tracker maintains the set of live connections joined to each room.
// Membership is transient: rebuilt on reconnect, pruned on disconnect.
type Tracker struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*member // roomID -> connID -> member
	byConn map[string]map[string]bool    // connID -> set of roomIDs

	logger *slog.Logger
}

// NewTracker creates an empty room tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		rooms:  make(map[string]map[string]*member),
		byConn: make(map[string]map[string]bool),
		logger: logger.With("component", "room"),
	}
}

// Join adds a connection to a room.
func (t *Tracker) Join(roomID string, conn transport.Conn, identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rooms[roomID]; !ok {
		t.rooms[roomID] = make(map[string]*member)
	}
	t.rooms[roomID][conn.ID()] = &member{conn: conn, identity: identity}

	if _, ok := t.byConn[conn.ID()]; !ok {
		t.byConn[conn.ID()] = make(map[string]bool)
	}
	t.byConn[conn.ID()][roomID] = true

	t.logger.Debug("joined room",
		"room_id", roomID,
		"conn_id", conn.ID(),
		"identity", identity)
}

// Leave removes a connection from every room it has joined.
// Called on disconnect so no stale entries are left dangling.
func (t *Tracker) Leave(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for roomID := range t.byConn[connID] {
		delete(t.rooms[roomID], connID)
		if len(t.rooms[roomID]) == 0 {
			delete(t.rooms, roomID)
		}
	}
	delete(t.byConn, connID)
}

// LeaveRoom removes every connection from one room. Used when a
// conversation closes and its transient room state is cleared.
func (t *Tracker) LeaveRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for connID := range t.rooms[roomID] {
		delete(t.byConn[connID], roomID)
		if len(t.byConn[connID]) == 0 {
			delete(t.byConn, connID)
		}
	}
	delete(t.rooms, roomID)
}

// Members returns the connections currently joined to a room.
func (t *Tracker) Members(roomID string) []transport.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]transport.Conn, 0, len(t.rooms[roomID]))
	for _, m := range t.rooms[roomID] {
		conns = append(conns, m.conn)
	}
	return conns
}

// IsIdentityPresent reports whether at least one live connection of the
// identity is currently joined to the room. This is "watching the room",
// distinct from being merely online.
func (t *Tracker) IsIdentityPresent(roomID, identity string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.rooms[roomID] {
		if m.identity == identity {
			return true
		}
	}
	return false
}

// Broadcast emits an event to every member of a room. If excludeConnID is
// non-empty, that connection is skipped (used to avoid echoing an event back
// to its originator). Emit failures are logged and do not stop the fan-out.
func (t *Tracker) Broadcast(roomID, event string, payload any, excludeConnID string) {
	t.mu.RLock()
	targets := make([]transport.Conn, 0, len(t.rooms[roomID]))
	for id, m := range t.rooms[roomID] {
		if excludeConnID != "" && id == excludeConnID {
			continue
		}
		targets = append(targets, m.conn)
	}
	t.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Emit(event, payload); err != nil {
			t.logger.Debug("broadcast emit failed",
				"room_id", roomID,
				"conn_id", conn.ID(),
				"event", event,
				"error", err)
		}
	}
}
