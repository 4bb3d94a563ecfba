// Package sessions persists conversations so a session can be resumed
// across process restarts.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/config"
	"github.com/haasonsaas/libagent/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)
	Delete(ctx context.Context, id string) error

	// Message history. AppendMessages creates the session when it does not
	// exist yet. History returns the newest limit messages, oldest first;
	// limit <= 0 returns all of them.
	AppendMessages(ctx context.Context, sessionID string, msgs ...models.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// Conversation adapts one session to the agent loop's message sink.
	Conversation(sessionID string) agent.Conversation

	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// Open creates the store selected by cfg. Options apply to the SQL
// backends only.
func Open(ctx context.Context, cfg config.SessionsConfig, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		store, err := NewSQLiteStore(ctx, cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		pc := DefaultPostgresConfig()
		if cfg.MaxOpenConns > 0 {
			pc.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.ConnMaxLifetime > 0 {
			pc.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		store, err := NewPostgresStoreFromDSN(ctx, cfg.DSN, pc, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Backend)
	}
}

// GetOrCreate returns the session with id, creating it when missing. An
// empty id creates a new session with a generated id.
func GetOrCreate(ctx context.Context, store Store, id, model string) (*models.Session, error) {
	if id != "" {
		session, err := store.Get(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}
	now := time.Now()
	session := &models.Session{ID: id, Model: model, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// conversation is a Store-backed agent.Conversation.
type conversation struct {
	store Store
	id    string
}

func (c *conversation) ID() string { return c.id }

func (c *conversation) Messages(ctx context.Context) ([]models.Message, error) {
	return c.store.History(ctx, c.id, 0)
}

func (c *conversation) Append(ctx context.Context, msgs ...models.Message) error {
	return c.store.AppendMessages(ctx, c.id, msgs...)
}

func prepareMessage(sessionID string, msg models.Message, now time.Time) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return msg
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = make(map[string]any, len(session.Metadata))
		for k, v := range session.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(msg models.Message) models.Message {
	if msg.ToolCalls != nil {
		msg.ToolCalls = append([]models.ToolCallRequest(nil), msg.ToolCalls...)
	}
	if msg.Metadata != nil {
		meta := make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		msg.Metadata = meta
	}
	return msg
}
