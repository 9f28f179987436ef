// Package history provides SQLite-backed persistence for session
// transcripts and a structured tool-call audit log.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
)

// Store is a SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and migrates the
// schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle and migrates the schema.
// Tests pass an in-memory handle here.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Transcript messages
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);

	-- Tool call audit log (structured, queryable)
	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		approved BOOLEAN DEFAULT TRUE,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms INTEGER,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSession creates the session row if it does not exist.
func (s *Store) EnsureSession(id string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// AppendMessage persists a transcript message.
func (s *Store) AppendMessage(sessionID string, msg llm.Message) error {
	if err := s.EnsureSession(sessionID); err != nil {
		return err
	}

	now := time.Now()
	msgID, _ := uuid.NewV7()

	var toolCallsJSON sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCallsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msgID.String(), sessionID, msg.Role, msg.Content, toolCallsJSON, nullable(msg.ToolCallID), now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	return nil
}

// Messages retrieves the transcript for a session in order.
func (s *Store) Messages(sessionID string) []llm.Message {
	rows, err := s.db.Query(`
		SELECT role, content, tool_calls, tool_call_id
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC
	`, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var messages []llm.Message
	for rows.Next() {
		var m llm.Message
		var toolCallsJSON, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCallsJSON, &toolCallID); err != nil {
			continue
		}
		if toolCallsJSON.Valid {
			_ = json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls)
		}
		m.ToolCallID = toolCallID.String
		messages = append(messages, m)
	}

	return messages
}

// ToolCallRecord is one row of the tool-call audit log.
type ToolCallRecord struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	ToolName    string         `json:"toolName"`
	Arguments   map[string]any `json:"arguments"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Approved    bool           `json:"approved"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	DurationMS  int64          `json:"durationMs"`
}

// RecordToolCall persists one tool execution to the audit log.
func (s *Store) RecordToolCall(rec ToolCallRecord) error {
	if err := s.EnsureSession(rec.SessionID); err != nil {
		return err
	}

	if rec.ID == "" {
		id, _ := uuid.NewV7()
		rec.ID = id.String()
	}

	argsJSON, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}

	duration := rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO tool_calls
			(id, session_id, tool_name, arguments, result, error, approved, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.ToolName, string(argsJSON),
		nullable(rec.Result), nullable(rec.Error), rec.Approved,
		rec.StartedAt, rec.CompletedAt, duration)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// ToolCalls returns the audit log for a session in execution order.
func (s *Store) ToolCalls(sessionID string) []ToolCallRecord {
	rows, err := s.db.Query(`
		SELECT id, session_id, tool_name, arguments, result, error, approved, started_at, completed_at, duration_ms
		FROM tool_calls
		WHERE session_id = ?
		ORDER BY started_at ASC
	`, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var records []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var argsJSON string
		var result, errStr sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &argsJSON,
			&result, &errStr, &rec.Approved, &rec.StartedAt, &rec.CompletedAt, &rec.DurationMS); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(argsJSON), &rec.Arguments)
		rec.Result = result.String
		rec.Error = errStr.String
		records = append(records, rec)
	}

	return records
}

// SessionInfo summarizes a stored session.
type SessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  int       `json:"messages"`
}

// Sessions lists all sessions, most recently active first.
func (s *Store) Sessions() []SessionInfo {
	rows, err := s.db.Query(`
		SELECT s.id, s.created_at, s.updated_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC
	`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &info.Messages); err != nil {
			continue
		}
		sessions = append(sessions, info)
	}
	return sessions
}

// Clear removes a session, its transcript, and its audit log.
func (s *Store) Clear(sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM tool_calls WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

// Stats returns storage statistics.
func (s *Store) Stats() map[string]any {
	var sessionCount, msgCount, toolCount int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessionCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&toolCount)

	return map[string]any{
		"sessions":   sessionCount,
		"messages":   msgCount,
		"tool_calls": toolCount,
		"storage":    "sqlite",
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
