package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/haasonsaas/libagent/internal/observability"
	"github.com/haasonsaas/libagent/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	sessionCols = []string{"id", "title", "model", "metadata", "created_at", "updated_at"}
	messageCols = []string{"id", "session_id", "role", "content", "tool_calls", "tool_call_id", "tool_name", "is_error", "metadata", "created_at"}
)

// setupMockDB creates a PostgresStore over a mock database.
func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := newPostgresStore(db)
	store.now = func() time.Time { return time.UnixMicro(1_700_000_000_000_000) }
	return mock, store
}

func TestDialectBind(t *testing.T) {
	query := "SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?"
	if got := postgresDialect.bind(query); got != "SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3" {
		t.Errorf("postgres bind = %q", got)
	}
	if got := sqliteDialect.bind(query); got != query {
		t.Errorf("sqlite bind = %q", got)
	}
}

func TestPostgresStore_Create(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful create",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO sessions \(id, title, model, metadata, created_at, updated_at\)\s+VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
					WithArgs("session-1", "Reading list", "gpt-4o", `{"topic":"nlp"}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO sessions").WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "failed to create session",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockDB(t)
			tt.setupMock(mock)

			err := store.Create(context.Background(), &models.Session{
				ID:       "session-1",
				Title:    "Reading list",
				Model:    "gpt-4o",
				Metadata: map[string]any{"topic": "nlp"},
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).
		WithArgs("session-1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("session-1", "Reading list", "gpt-4o", `{"topic":"nlp"}`, int64(1_700_000_000_000_000), int64(1_700_000_060_000_000)))
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	session, err := store.Get(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session.Title != "Reading list" || session.Metadata["topic"] != "nlp" {
		t.Errorf("session = %+v", session)
	}
	if session.UpdatedAt.Sub(session.CreatedAt) != time.Minute {
		t.Errorf("timestamps = %v / %v", session.CreatedAt, session.UpdatedAt)
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessages(t *testing.T) {
	mock, store := setupMockDB(t)
	now := store.now().UnixMicro()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("session-1", now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("msg-1", "session-1", "assistant", "", `[{"id":"call_1","name":"delete_note","arguments":"{}"}]`, "", "", false, "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "session-1", "tool", "denied by user", "", "call_1", "delete_note", true, "", now).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE sessions SET updated_at = \$1 WHERE id = \$2`).
		WithArgs(now, "session-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Conversation("session-1").Append(context.Background(),
		models.Message{ID: "msg-1", Role: models.RoleAssistant, ToolCalls: []models.ToolCallRequest{{ID: "call_1", Name: "delete_note", Arguments: "{}"}}},
		models.Message{Role: models.RoleTool, ToolCallID: "call_1", ToolName: "delete_note", Content: "denied by user", IsError: true},
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessagesRollsBack(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO messages`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.AppendMessages(context.Background(), "session-1", models.Message{Role: models.RoleUser, Content: "hi"})
	if err == nil || !strings.Contains(err.Error(), "failed to append message") {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_History(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT .* FROM messages WHERE session_id = \$1 ORDER BY seq DESC LIMIT \$2`).
		WithArgs("session-1", 2).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow("m3", "session-1", "assistant", "done", "", "", "", false, "", int64(3)).
			AddRow("m2", "session-1", "tool", `{"success":true}`, "", "call_1", "search_library", false, `{"attempts":2}`, int64(2)))

	msgs, err := store.History(context.Background(), "session-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Role != models.RoleTool || msgs[0].Metadata["attempts"] != float64(2) {
		t.Errorf("tool message = %+v", msgs[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT .* FROM sessions ORDER BY updated_at DESC, id LIMIT ALL OFFSET \$1`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("a", "", "", "", int64(2), int64(2)).
			AddRow("b", "", "", "", int64(1), int64(1)))

	list, err := store.List(context.Background(), ListOptions{Offset: 5})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" {
		t.Errorf("list = %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_DeleteNotFound(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM messages WHERE session_id = \$1`).WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM sessions WHERE id = \$1`).WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := store.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_RecordsQueryMetrics(t *testing.T) {
	mock, store := setupMockDB(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	WithMetrics(metrics)(&store.sqlStore)

	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectQuery(`SELECT .* FROM messages`).
		WillReturnRows(sqlmock.NewRows(messageCols))

	_, _ = store.Get(context.Background(), "missing")
	if _, err := store.History(context.Background(), "session-1", 0); err != nil {
		t.Fatalf("History() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.DatabaseQueryCounter.WithLabelValues("select", "sessions", "error")); got != 1 {
		t.Errorf("sessions error count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.DatabaseQueryCounter.WithLabelValues("select", "messages", "success")); got != 1 {
		t.Errorf("messages success count = %v, want 1", got)
	}
}
