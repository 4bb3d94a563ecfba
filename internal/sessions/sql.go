package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/observability"
	"github.com/haasonsaas/libagent/pkg/models"
)

// dialect captures what differs between the SQL backends. Queries are
// written with ? placeholders and rebound for drivers that number them.
type dialect struct {
	name     string
	numbered bool
	// noLimit is the LIMIT clause that allows an OFFSET without a bound.
	noLimit  string
	schema   []string
}

func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store over database/sql. Timestamps are stored as
// Unix microseconds so both backends round-trip them identically.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	metrics *observability.Metrics
}

// Option configures a SQL-backed store.
type Option func(*sqlStore)

// WithMetrics records query counts and latency.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *sqlStore) {
		s.metrics = m
	}
}

func (s *sqlStore) observe(operation, table string, start time.Time, err *error) {
	s.metrics.RecordDatabaseQuery(operation, table, observability.StatusLabel(*err), time.Since(start))
}

const sessionColumns = `id, title, model, metadata, created_at, updated_at`

const messageColumns = `id, session_id, role, content, tool_calls, tool_call_id, tool_name, is_error, metadata, created_at`

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s session schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Create creates a new session.
func (s *sqlStore) Create(ctx context.Context, session *models.Session) (err error) {
	defer s.observe("insert", "sessions", time.Now(), &err)
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := marshalJSON(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`),
		session.ID,
		session.Title,
		session.Model,
		metadata,
		session.CreatedAt.UnixMicro(),
		session.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *sqlStore) Get(ctx context.Context, id string) (_ *models.Session, err error) {
	defer s.observe("select", "sessions", time.Now(), &err)
	row := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List retrieves sessions ordered by last update, newest first.
func (s *sqlStore) List(ctx context.Context, opts ListOptions) (_ []*models.Session, err error) {
	defer s.observe("select", "sessions", time.Now(), &err)
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC, id`
	var args []any
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " " + s.dialect.noLimit
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Delete deletes a session and its messages.
func (s *sqlStore) Delete(ctx context.Context, id string) (err error) {
	defer s.observe("delete", "sessions", time.Now(), &err)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.bind(`DELETE FROM messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.dialect.bind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}

// AppendMessages stores msgs in one transaction, creating the session row
// when needed.
func (s *sqlStore) AppendMessages(ctx context.Context, sessionID string, msgs ...models.Message) (err error) {
	defer s.observe("insert", "messages", time.Now(), &err)
	if sessionID == "" {
		return errors.New("session ID is required")
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, '', '', '{}', ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), sessionID, now.UnixMicro(), now.UnixMicro()); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}

	insert := s.dialect.bind(`INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, msg := range msgs {
		msg = prepareMessage(sessionID, msg, now)
		toolCalls, err := marshalJSON(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		metadata, err := marshalJSON(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			msg.ID,
			msg.SessionID,
			string(msg.Role),
			msg.Content,
			toolCalls,
			msg.ToolCallID,
			msg.ToolName,
			msg.IsError,
			metadata,
			msg.CreatedAt.UnixMicro(),
		); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.bind(`UPDATE sessions SET updated_at = ? WHERE id = ?`),
		now.UnixMicro(), sessionID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// History returns the newest limit messages of a session, oldest first.
func (s *sqlStore) History(ctx context.Context, sessionID string, limit int) (_ []models.Message, err error) {
	defer s.observe("select", "messages", time.Now(), &err)
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Conversation adapts one session to the agent loop.
func (s *sqlStore) Conversation(sessionID string) agent.Conversation {
	return &conversation{store: s, id: sessionID}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var metadataJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&session.ID,
		&session.Title,
		&session.Model,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadataJSON, &session.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	session.CreatedAt = time.UnixMicro(createdAt)
	session.UpdatedAt = time.UnixMicro(updatedAt)
	return session, nil
}

func scanMessage(row rowScanner) (models.Message, error) {
	var msg models.Message
	var role, toolCallsJSON, metadataJSON string
	var createdAt int64
	if err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&role,
		&msg.Content,
		&toolCallsJSON,
		&msg.ToolCallID,
		&msg.ToolName,
		&msg.IsError,
		&metadataJSON,
		&createdAt,
	); err != nil {
		return msg, err
	}
	msg.Role = models.Role(role)
	if err := unmarshalJSON(toolCallsJSON, &msg.ToolCalls); err != nil {
		return msg, fmt.Errorf("failed to unmarshal tool calls: %w", err)
	}
	if err := unmarshalJSON(metadataJSON, &msg.Metadata); err != nil {
		return msg, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	msg.CreatedAt = time.UnixMicro(createdAt)
	return msg, nil
}

// marshalJSON encodes v, storing nil maps and slices as an empty string.
func marshalJSON[T any](v T) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "", nil
	}
	return string(data), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" || data == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}
