// Package library stores the user's document library: items with their
// metadata and fulltext, notes, collections and tags.
package library

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/libagent/pkg/models"
)

var (
	// ErrNotFound is returned when a key does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an import would create a second copy of
	// an item.
	ErrDuplicate = errors.New("already in library")
)

// SearchQuery selects items. Every non-empty field narrows the result.
type SearchQuery struct {
	// Text is split into terms; each term must match the title, abstract,
	// creators or tags.
	Text          string
	ItemType      models.ItemType
	CollectionKey string
	Tags          []string
	Limit         int
}

// Backend is the storage behind the library tools.
type Backend interface {
	Search(ctx context.Context, q SearchQuery) ([]*models.Item, error)
	Item(ctx context.Context, key string) (*models.Item, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Item, error)
	Fulltext(ctx context.Context, key string) (string, error)
	AddItem(ctx context.Context, item *models.Item) error

	Note(ctx context.Context, key string) (*models.Note, error)
	CreateNote(ctx context.Context, note *models.Note) error
	DeleteNote(ctx context.Context, key string) error

	Collection(ctx context.Context, key string) (*models.Collection, error)
	Collections(ctx context.Context, parentKey string) ([]*models.Collection, error)
	CreateCollection(ctx context.Context, c *models.Collection) error
	AddToCollection(ctx context.Context, itemKey, collectionKey string) error
	RemoveFromCollection(ctx context.Context, itemKey, collectionKey string) error

	// AddTags merges tags into the item's tags and returns the result.
	AddTags(ctx context.Context, itemKey string, tags []string) ([]string, error)

	Close() error
}

// NewKey returns a fresh eight character library key.
func NewKey() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
