package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/kestrelai/runtime/pkg/models"
)

// SQLiteStore persists sessions and their message history in a single
// SQLite file, for the "session" command to have something durable to
// list and show across process restarts. Rows carry the session/message
// JSON verbatim; the schema exists to give the CLI indexed queries by
// session id and creation time, not to normalize message fields.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed session store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	todo_list  TEXT,
	pending_question TEXT
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_call_id TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

// Create persists a new session, assigning ID/CreatedAt if unset.
func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	todo, err := marshalOptional(session.TodoList)
	if err != nil {
		return err
	}
	pending, err := marshalOptional(session.PendingQuestion)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, todo_list, pending_question) VALUES (?, ?, ?, ?)`,
		session.ID, session.CreatedAt.Format(time.RFC3339Nano), todo, pending)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for i, msg := range session.Messages {
		if err := s.insertMessage(ctx, session.ID, i, msg); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a session by id, including its full message history.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at, todo_list, pending_question FROM sessions WHERE id = ?`, id)

	var createdAt string
	var todo, pending sql.NullString
	if err := row.Scan(&createdAt, &todo, &pending); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session := &models.Session{ID: id}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	session.CreatedAt = ts

	if todo.Valid {
		var list models.TodoList
		if err := json.Unmarshal([]byte(todo.String), &list); err != nil {
			return nil, fmt.Errorf("decode todo_list: %w", err)
		}
		session.TodoList = &list
	}
	if pending.Valid {
		var pq models.PendingQuestion
		if err := json.Unmarshal([]byte(pending.String), &pq); err != nil {
			return nil, fmt.Errorf("decode pending_question: %w", err)
		}
		session.PendingQuestion = &pq
	}

	msgs, err := s.GetHistory(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	session.Messages = msgs
	return session, nil
}

// Update persists changes to an existing session's todo-list and
// pending-question state. Message history is append-only via
// AppendMessage, not rewritten here.
func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	todo, err := marshalOptional(session.TodoList)
	if err != nil {
		return err
	}
	pending, err := marshalOptional(session.PendingQuestion)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET todo_list = ?, pending_question = ? WHERE id = ?`,
		todo, pending, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", session.ID)
	}
	return nil
}

// Delete removes a session and its message history.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns sessions, most recently created first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, todo_list, pending_question FROM sessions
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var id, createdAt string
		var todo, pending sql.NullString
		if err := rows.Scan(&id, &createdAt, &todo, &pending); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		session := &models.Session{ID: id, CreatedAt: ts}
		if todo.Valid {
			var list models.TodoList
			if err := json.Unmarshal([]byte(todo.String), &list); err == nil {
				session.TodoList = &list
			}
		}
		if pending.Valid {
			var pq models.PendingQuestion
			if err := json.Unmarshal([]byte(pending.String), &pq); err == nil {
				session.PendingQuestion = &pq
			}
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// AppendMessage appends a message to a session's history.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	var seq int
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	return s.insertMessage(ctx, sessionID, seq, *msg)
}

func (s *SQLiteStore) insertMessage(ctx context.Context, sessionID string, seq int, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	toolCalls, err := marshalOptional(msg.ToolCalls)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, seq, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID,
		msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetHistory returns up to limit most recent messages (0 = unlimited), in
// chronological order.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `SELECT id, role, content, tool_calls, tool_call_id, created_at
	          FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT id, role, content, tool_calls, tool_call_id, created_at FROM (
		           SELECT id, role, content, tool_calls, tool_call_id, created_at, seq
		           FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		         ) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role, createdAt string
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &toolCalls, &toolCallID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.SessionID = sessionID
		m.Role = models.Role(role)
		m.ToolCallID = toolCallID.String
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse message created_at: %w", err)
		}
		m.CreatedAt = ts
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool_calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func marshalOptional(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *models.TodoList:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *models.PendingQuestion:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []models.ToolCall:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

var _ Store = (*SQLiteStore)(nil)
