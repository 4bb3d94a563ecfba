package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/libagent/pkg/models"
)

// Conversation is the append-only message sink of one session. Both final
// answers and folded tool results are appended to it.
type Conversation interface {
	// ID identifies the session.
	ID() string

	// Messages returns the full history, oldest first.
	Messages(ctx context.Context) ([]models.Message, error)

	// Append adds messages to the end of the history.
	Append(ctx context.Context, msgs ...models.Message) error
}

// MemoryConversation keeps a conversation in memory.
type MemoryConversation struct {
	id   string
	mu   sync.RWMutex
	msgs []models.Message
}

// NewMemoryConversation creates a conversation seeded with msgs.
func NewMemoryConversation(id string, msgs ...models.Message) *MemoryConversation {
	return &MemoryConversation{id: id, msgs: append([]models.Message(nil), msgs...)}
}

// ID implements Conversation.
func (c *MemoryConversation) ID() string { return c.id }

// Messages implements Conversation.
func (c *MemoryConversation) Messages(context.Context) ([]models.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Message(nil), c.msgs...), nil
}

// Append implements Conversation.
func (c *MemoryConversation) Append(_ context.Context, msgs ...models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}
