// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/agent/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			room_id          TEXT NOT NULL UNIQUE,
			customer_id      TEXT NOT NULL,
			agent_id         TEXT,
			status           TEXT NOT NULL,
			topic            TEXT NOT NULL,
			label            TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL,
			closed_by        TEXT,
			close_reason     TEXT,
			closed_at        DATETIME,
			active           INTEGER NOT NULL DEFAULT 1,

			CHECK (status IN ('pending', 'active', 'closed', 'archived'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_customer
			ON conversations(customer_id, status);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent
			ON conversations(agent_id, status);
		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status, active);

		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			email          TEXT NOT NULL,
			online         INTEGER NOT NULL DEFAULT 0,
			active         INTEGER NOT NULL DEFAULT 1,
			max_concurrent INTEGER NOT NULL DEFAULT 3,
			last_seen_at   DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_agents_availability
			ON agents(online, active);

		CREATE TABLE IF NOT EXISTS customers (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			sender_role     TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			read_at         DATETIME,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender_role IN ('customer', 'agent', 'automation'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the ID is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, room_id, customer_id, agent_id, status, topic, label,
			 created_at, updated_at, last_activity_at, closed_by, close_reason, closed_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.RoomID, conv.CustomerID, conv.AgentID, conv.Status, conv.Topic, conv.Label,
		conv.CreatedAt, conv.UpdatedAt, conv.LastActivityAt, conv.ClosedBy, conv.CloseReason, conv.ClosedAt,
		boolToInt(conv.Active),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, customer_id, agent_id, status, topic, label,
		       created_at, updated_at, last_activity_at, closed_by, close_reason, closed_at, active
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// UpdateConversation persists all mutable fields of a conversation
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET agent_id = ?, status = ?, label = ?, updated_at = ?, last_activity_at = ?,
		    closed_by = ?, close_reason = ?, closed_at = ?, active = ?
		WHERE id = ?`,
		conv.AgentID, conv.Status, conv.Label, conv.UpdatedAt, conv.LastActivityAt,
		conv.ClosedBy, conv.CloseReason, conv.ClosedAt, boolToInt(conv.Active), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenConversationsByCustomer returns non-archived conversations owned by a customer
func (s *SQLiteStore) ListOpenConversationsByCustomer(ctx context.Context, customerID string) ([]*Conversation, error) {
	return s.listConversations(ctx, `
		SELECT id, room_id, customer_id, agent_id, status, topic, label,
		       created_at, updated_at, last_activity_at, closed_by, close_reason, closed_at, active
		FROM conversations
		WHERE customer_id = ? AND status != 'archived' AND active = 1
		ORDER BY created_at`, customerID)
}

// ListOpenConversationsByAgent returns pending and active conversations assigned to an agent
func (s *SQLiteStore) ListOpenConversationsByAgent(ctx context.Context, agentID string) ([]*Conversation, error) {
	return s.listConversations(ctx, `
		SELECT id, room_id, customer_id, agent_id, status, topic, label,
		       created_at, updated_at, last_activity_at, closed_by, close_reason, closed_at, active
		FROM conversations
		WHERE agent_id = ? AND status IN ('pending', 'active') AND active = 1
		ORDER BY created_at`, agentID)
}

// ListPendingConversations returns all active conversations awaiting assignment
func (s *SQLiteStore) ListPendingConversations(ctx context.Context) ([]*Conversation, error) {
	return s.listConversations(ctx, `
		SELECT id, room_id, customer_id, agent_id, status, topic, label,
		       created_at, updated_at, last_activity_at, closed_by, close_reason, closed_at, active
		FROM conversations
		WHERE status = 'pending' AND active = 1
		ORDER BY created_at`)
}

// AssignAgent sets the conversation's agent and flips it to active.
// The write is unconditional: last assignment wins. Callers that need
// pending-only semantics re-read status first and skip non-pending rows.
func (s *SQLiteStore) AssignAgent(ctx context.Context, conversationID, agentID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET agent_id = ?, status = 'active', updated_at = ?, last_activity_at = ?
		WHERE id = ?`,
		agentID, now, now, conversationID,
	)
	if err != nil {
		return fmt.Errorf("assigning agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, online, active, max_concurrent, last_seen_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// CreateAgent inserts a new agent record
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, email, online, active, max_concurrent, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Email, boolToInt(agent.Online), boolToInt(agent.Active),
		agent.MaxConcurrent, agent.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// SetAgentOnline flips the online flag and stamps last-seen
func (s *SQLiteStore) SetAgentOnline(ctx context.Context, agentID string, online bool, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET online = ?, last_seen_at = ? WHERE id = ?`,
		boolToInt(online), lastSeen, agentID,
	)
	if err != nil {
		return fmt.Errorf("updating agent online flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentActive flips the active/enabled flag
func (s *SQLiteStore) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET active = ? WHERE id = ?`, boolToInt(active), agentID)
	if err != nil {
		return fmt.Errorf("updating agent active flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgentLoads returns every agent with its current active-conversation count.
// One query so the allocation policy sees a consistent snapshot.
func (s *SQLiteStore) ListAgentLoads(ctx context.Context) ([]*AgentLoad, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.email, a.online, a.active, a.max_concurrent, a.last_seen_at,
		       COUNT(c.id) AS active_count
		FROM agents a
		LEFT JOIN conversations c
			ON c.agent_id = a.id AND c.status = 'active' AND c.active = 1
		GROUP BY a.id
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("querying agent loads: %w", err)
	}
	defer rows.Close()

	var loads []*AgentLoad
	for rows.Next() {
		var a Agent
		var online, active int
		var lastSeen sql.NullTime
		var count int
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &online, &active, &a.MaxConcurrent, &lastSeen, &count); err != nil {
			return nil, fmt.Errorf("scanning agent load: %w", err)
		}
		a.Online = online != 0
		a.Active = active != 0
		if lastSeen.Valid {
			t := lastSeen.Time
			a.LastSeenAt = &t
		}
		loads = append(loads, &AgentLoad{Agent: &a, ActiveCount: count})
	}
	return loads, rows.Err()
}

// CountActiveConversations returns the number of active conversations assigned to an agent
func (s *SQLiteStore) CountActiveConversations(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations
		WHERE agent_id = ? AND status = 'active' AND active = 1`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active conversations: %w", err)
	}
	return count, nil
}

// GetCustomer retrieves a customer by ID
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	return &c, nil
}

// CreateCustomer inserts a new customer record
func (s *SQLiteStore) CreateCustomer(ctx context.Context, customer *Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, created_at) VALUES (?, ?, ?)`,
		customer.ID, customer.Name, customer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting customer: %w", err)
	}
	return nil
}

// SaveMessage appends a message to a conversation
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_role, content, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderRole, msg.Content, msg.CreatedAt, msg.ReadAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent messages of a conversation in
// creation order. limit <= 0 means no limit.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, sender_role, content, created_at, read_at
		FROM (
			SELECT id, conversation_id, sender_id, sender_role, content, created_at, read_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at, id`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderRole, &m.Content, &m.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkMessageRead stamps the read timestamp on a message.
// Already-read messages keep their original stamp.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		readAt, messageID,
	)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already read; distinguish for the caller
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, messageID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// listConversations runs a conversation query and scans the results
func (s *SQLiteStore) listConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan logic
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	conv, err := scanConversationFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return conv, err
}

func scanConversationRows(rows *sql.Rows) (*Conversation, error) {
	return scanConversationFrom(rows)
}

func scanConversationFrom(r rowScanner) (*Conversation, error) {
	var c Conversation
	var agentID, closedBy, closeReason sql.NullString
	var closedAt sql.NullTime
	var active int
	err := r.Scan(&c.ID, &c.RoomID, &c.CustomerID, &agentID, &c.Status, &c.Topic, &c.Label,
		&c.CreatedAt, &c.UpdatedAt, &c.LastActivityAt, &closedBy, &closeReason, &closedAt, &active)
	if err != nil {
		return nil, err
	}
	if agentID.Valid && agentID.String != "" {
		v := agentID.String
		c.AgentID = &v
	}
	if closedBy.Valid {
		v := closedBy.String
		c.ClosedBy = &v
	}
	if closeReason.Valid {
		v := closeReason.String
		c.CloseReason = &v
	}
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	c.Active = active != 0
	return &c, nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var online, active int
	var lastSeen sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.Email, &online, &active, &a.MaxConcurrent, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	a.Online = online != 0
	a.Active = active != 0
	if lastSeen.Valid {
		t := lastSeen.Time
		a.LastSeenAt = &t
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique constraint error
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the error string
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "conversations")
}
