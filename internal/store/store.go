// Package store persists conversations and their messages in SQLite so a
// conversation survives connection churn and process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleThinking   = "thinking"
	RoleTool       = "tool"
	RoleToolResult = "tool_result"
)

// Conversation is the durable metadata of one chat thread.
type Conversation struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	ResumeID    string   `json:"resumeId"`
	Model       string   `json:"model"`
	TurnCount   int      `json:"turnCount"`
	EditedFiles []string `json:"editedFiles"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}

// Message is one stored chat message.
type Message struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversationId"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	ToolMetadata    string `json:"toolMetadata,omitempty"` // JSON string
	ClientMessageID string `json:"clientMessageId,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// ToolResult is the outcome of a tool call, including policy denials.
type ToolResult struct {
	ConversationID string
	ToolCallID     string
	Content        string
	IsError        bool
}

// ConversationUpdate describes end-of-turn metadata. Empty fields are left
// unchanged; EditedFiles are merged into the stored set.
type ConversationUpdate struct {
	ID            string
	ResumeID      string
	Model         string
	EditedFiles   []string
	IncrementTurn bool
}

// Store provides conversation persistence backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the conversations and messages tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			resume_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			turn_count INTEGER NOT NULL DEFAULT 0,
			edited_files TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`)
	return err
}

// migrateV2 adds client_message_id so clients can reconcile optimistic sends.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE messages ADD COLUMN client_message_id TEXT NOT NULL DEFAULT ''`)
	return err
}

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// EnsureConversation creates the conversation row if it does not exist.
func (s *Store) EnsureConversation(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// SaveMessage inserts or replaces a message.
func (s *Store) SaveMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt == "" {
		m.CreatedAt = now()
	}
	if m.UpdatedAt == "" {
		m.UpdatedAt = m.CreatedAt
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO messages
			(id, conversation_id, role, content, tool_metadata, client_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.ToolMetadata, m.ClientMessageID, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// MergeMessage appends m.Content to the stored message with the same id,
// creating it on first sight. Streaming chunks of one message coalesce into
// a single row. Non-empty tool metadata replaces the stored value.
func (s *Store) MergeMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.Exec(
		`INSERT INTO messages
			(id, conversation_id, role, content, tool_metadata, client_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = messages.content || excluded.content,
			tool_metadata = CASE WHEN excluded.tool_metadata != '' THEN excluded.tool_metadata ELSE messages.tool_metadata END,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.Role, m.Content, m.ToolMetadata, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("merge message: %w", err)
	}
	return nil
}

// AppendToolResult stores a tool result as its own message.
func (s *Store) AppendToolResult(r ToolResult) error {
	meta, _ := json.Marshal(map[string]any{"toolCallId": r.ToolCallID, "isError": r.IsError})
	return s.SaveMessage(Message{
		ID:             r.ConversationID + ":result:" + r.ToolCallID,
		ConversationID: r.ConversationID,
		Role:           RoleToolResult,
		Content:        r.Content,
		ToolMetadata:   string(meta),
	})
}

// UpdateConversation applies end-of-turn metadata.
func (s *Store) UpdateConversation(u ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update conversation: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		u.ID, ts, ts,
	); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	var editedJSON string
	if err := tx.QueryRow(`SELECT edited_files FROM conversations WHERE id = ?`, u.ID).Scan(&editedJSON); err != nil {
		return fmt.Errorf("update conversation: read edited files: %w", err)
	}
	edited := mergeFiles(decodeFiles(editedJSON), u.EditedFiles)
	encoded, _ := json.Marshal(edited)

	inc := 0
	if u.IncrementTurn {
		inc = 1
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET
			resume_id = CASE WHEN ? != '' THEN ? ELSE resume_id END,
			model = CASE WHEN ? != '' THEN ? ELSE model END,
			turn_count = turn_count + ?,
			edited_files = ?,
			updated_at = ?
		WHERE id = ?`,
		u.ResumeID, u.ResumeID, u.Model, u.Model, inc, string(encoded), ts, u.ID,
	); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation, or nil, nil if it does not exist.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Conversation
	var editedJSON string
	err := s.db.QueryRow(
		`SELECT id, title, resume_id, model, turn_count, edited_files, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.ResumeID, &c.Model, &c.TurnCount, &editedJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.EditedFiles = decodeFiles(editedJSON)
	return &c, nil
}

// ListConversations returns conversations, most recently updated first.
func (s *Store) ListConversations(limit int) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, title, resume_id, model, turn_count, edited_files, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var editedJSON string
		if err := rows.Scan(&c.ID, &c.Title, &c.ResumeID, &c.Model, &c.TurnCount, &editedJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.EditedFiles = decodeFiles(editedJSON)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMessages returns a conversation's messages in creation order.
func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, tool_metadata, client_message_id, created_at, updated_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ToolMetadata, &m.ClientMessageID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func decodeFiles(s string) []string {
	var files []string
	if s == "" {
		return files
	}
	_ = json.Unmarshal([]byte(s), &files)
	return files
}

func mergeFiles(existing, added []string) []string {
	set := make(map[string]struct{}, len(existing)+len(added))
	for _, f := range existing {
		set[f] = struct{}{}
	}
	for _, f := range added {
		if f != "" {
			set[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
