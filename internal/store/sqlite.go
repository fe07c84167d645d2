// ABOUTME: SQLite write-through cache for the conversation store using modernc.org/sqlite
// ABOUTME: Persists conversations, messages and read cursors with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache implements Persister using SQLite
type SQLiteCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteCache opens (or creates) a cache database at path.
// Parent directories are created if needed.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	logger := slog.Default().With("component", "sqlite_cache")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
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

	c := NewSQLiteCacheFromDB(db, logger)
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite cache initialized", "path", path)
	return c, nil
}

// NewSQLiteCacheFromDB wraps an already opened database. The schema is not
// created; callers using this constructor manage it themselves.
func NewSQLiteCacheFromDB(db *sql.DB, logger *slog.Logger) *SQLiteCache {
	if logger == nil {
		logger = slog.Default().With("component", "sqlite_cache")
	}
	return &SQLiteCache{db: db, logger: logger}
}

// createSchema creates the database tables if they don't exist
func (c *SQLiteCache) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			participant_ids TEXT NOT NULL DEFAULT '',
			is_closed INTEGER NOT NULL DEFAULT 0,
			last_sync_cursor TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			id TEXT NOT NULL,
			client_nonce TEXT NOT NULL DEFAULT '',
			sender_id TEXT,
			content TEXT NOT NULL,
			attachment_type TEXT NOT NULL DEFAULT '',
			attachment_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			delivery_state TEXT NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS read_cursors (
			conversation_id TEXT PRIMARY KEY,
			last_read_message_id TEXT NOT NULL,
			last_read_at TEXT NOT NULL,
			last_sent_at TEXT NOT NULL
		);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the database connection
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// SaveConversation inserts or replaces a conversation row.
func (c *SQLiteCache) SaveConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, kind, participant_ids, is_closed, last_sync_cursor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			participant_ids = excluded.participant_ids,
			is_closed = excluded.is_closed,
			last_sync_cursor = excluded.last_sync_cursor
	`
	_, err := c.db.ExecContext(ctx, query,
		conv.ID,
		string(conv.Kind),
		strings.Join(conv.ParticipantIDs, ","),
		boolToInt(conv.IsClosed),
		formatTime(conv.LastSyncCursor),
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (c *SQLiteCache) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, kind, participant_ids, is_closed, last_sync_cursor, created_at
		FROM conversations
		WHERE id = ?
	`
	var (
		conv               Conversation
		kind, participants string
		closed             int
		cursor, createdAt  string
	)
	err := c.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &kind, &participants, &closed, &cursor, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Kind = Kind(kind)
	if participants != "" {
		conv.ParticipantIDs = strings.Split(participants, ",")
	}
	conv.IsClosed = closed != 0
	conv.LastSyncCursor = parseTime(cursor)
	conv.CreatedAt = parseTime(createdAt)
	return &conv, nil
}

// SaveMessage inserts or replaces a message row.
func (c *SQLiteCache) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (conversation_id, id, client_nonce, sender_id, content,
			attachment_type, attachment_url, created_at, delivery_state, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			client_nonce = excluded.client_nonce,
			content = excluded.content,
			attachment_type = excluded.attachment_type,
			attachment_url = excluded.attachment_url,
			created_at = excluded.created_at,
			delivery_state = excluded.delivery_state
	`
	var sender sql.NullString
	if msg.SenderID != nil {
		sender = sql.NullString{String: *msg.SenderID, Valid: true}
	}
	_, err := c.db.ExecContext(ctx, query,
		msg.ConversationID,
		msg.ID,
		msg.ClientNonce,
		sender,
		msg.Content,
		msg.AttachmentType,
		msg.AttachmentURL,
		formatTime(msg.CreatedAt),
		string(msg.DeliveryState),
		int64(msg.seq),
	)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message row. Deleting a missing row is not an error.
func (c *SQLiteCache) DeleteMessage(ctx context.Context, conversationID, id string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in insertion order.
func (c *SQLiteCache) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := `
		SELECT id, client_nonce, sender_id, content, attachment_type, attachment_url,
			created_at, delivery_state, seq
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`
	rows, err := c.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m         Message
			sender    sql.NullString
			createdAt string
			state     string
			seq       int64
		)
		if err := rows.Scan(&m.ID, &m.ClientNonce, &sender, &m.Content, &m.AttachmentType,
			&m.AttachmentURL, &createdAt, &state, &seq); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.ConversationID = conversationID
		if sender.Valid {
			s := sender.String
			m.SenderID = &s
		}
		m.CreatedAt = parseTime(createdAt)
		m.DeliveryState = DeliveryState(state)
		m.seq = uint64(seq)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// SaveReadCursor inserts or replaces a read cursor row.
func (c *SQLiteCache) SaveReadCursor(ctx context.Context, cursor *ReadCursor) error {
	query := `
		INSERT INTO read_cursors (conversation_id, last_read_message_id, last_read_at, last_sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_read_message_id = excluded.last_read_message_id,
			last_read_at = excluded.last_read_at,
			last_sent_at = excluded.last_sent_at
	`
	_, err := c.db.ExecContext(ctx, query,
		cursor.ConversationID,
		cursor.LastReadMessageID,
		formatTime(cursor.LastReadAt),
		formatTime(cursor.LastSentAt),
	)
	if err != nil {
		return fmt.Errorf("saving read cursor: %w", err)
	}
	return nil
}

// GetReadCursor returns the read cursor for a conversation, or ErrNotFound.
func (c *SQLiteCache) GetReadCursor(ctx context.Context, conversationID string) (*ReadCursor, error) {
	query := `
		SELECT last_read_message_id, last_read_at, last_sent_at
		FROM read_cursors
		WHERE conversation_id = ?
	`
	var readAt, sentAt string
	cursor := ReadCursor{ConversationID: conversationID}
	err := c.db.QueryRowContext(ctx, query, conversationID).Scan(&cursor.LastReadMessageID, &readAt, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying read cursor: %w", err)
	}
	cursor.LastReadAt = parseTime(readAt)
	cursor.LastSentAt = parseTime(sentAt)
	return &cursor, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
