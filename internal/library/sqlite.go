package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/libagent/pkg/models"
)

const defaultSearchLimit = 10

var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		key TEXT PRIMARY KEY,
		item_type TEXT NOT NULL,
		title TEXT NOT NULL,
		creators TEXT NOT NULL DEFAULT '[]',
		abstract TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		venue TEXT NOT NULL DEFAULT '',
		doi TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		fulltext TEXT NOT NULL DEFAULT '',
		date_added TEXT NOT NULL,
		date_modified TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS item_tags (
		item_key TEXT NOT NULL REFERENCES items(key) ON DELETE CASCADE,
		tag TEXT NOT NULL COLLATE NOCASE,
		PRIMARY KEY (item_key, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_key TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS collection_items (
		collection_key TEXT NOT NULL REFERENCES collections(key) ON DELETE CASCADE,
		item_key TEXT NOT NULL REFERENCES items(key) ON DELETE CASCADE,
		PRIMARY KEY (collection_key, item_key)
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		key TEXT PRIMARY KEY,
		parent_key TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		markdown TEXT NOT NULL,
		html TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		date_added TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_external ON items(external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_items_modified ON items(date_modified)`,
	`CREATE INDEX IF NOT EXISTS idx_notes_parent ON notes(parent_key)`,
	`CREATE INDEX IF NOT EXISTS idx_collections_parent ON collections(parent_key)`,
}

// SQLiteBackend implements Backend on SQLite.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. Empty means a private in-memory database.
	Path string
}

// NewSQLiteBackend opens the database and creates the schema.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open library database: %w", err)
	}
	// One connection serializes writers, and keeps an in-memory database
	// from being split across connections.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, now: time.Now}
	if err := b.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	for _, stmt := range schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create library schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

const itemColumns = `key, item_type, title, creators, abstract, date, venue, doi, url, external_id, date_added, date_modified`

// Search implements Backend. Results are ordered by last modification,
// newest first.
func (b *SQLiteBackend) Search(ctx context.Context, q SearchQuery) ([]*models.Item, error) {
	var (
		where []string
		args  []any
	)
	for _, term := range strings.Fields(q.Text) {
		like := "%" + escapeLike(term) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR abstract LIKE ? ESCAPE '\' OR creators LIKE ? ESCAPE '\'
			OR EXISTS (SELECT 1 FROM item_tags t WHERE t.item_key = items.key AND t.tag LIKE ? ESCAPE '\'))`)
		args = append(args, like, like, like, like)
	}
	if q.ItemType != "" {
		where = append(where, "item_type = ?")
		args = append(args, string(q.ItemType))
	}
	if q.CollectionKey != "" {
		where = append(where, "EXISTS (SELECT 1 FROM collection_items c WHERE c.item_key = items.key AND c.collection_key = ?)")
		args = append(args, q.CollectionKey)
	}
	for _, tag := range q.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM item_tags t WHERE t.item_key = items.key AND t.tag = ?)")
		args = append(args, tag)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	query := "SELECT " + itemColumns + " FROM items"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_modified DESC, key LIMIT ?"
	args = append(args, limit)

	items, err := b.queryItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search library: %w", err)
	}
	if err := b.loadRelations(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// Item implements Backend.
func (b *SQLiteBackend) Item(ctx context.Context, key string) (*models.Item, error) {
	return b.itemWhere(ctx, "key = ?", key)
}

// FindByExternalID implements Backend.
func (b *SQLiteBackend) FindByExternalID(ctx context.Context, externalID string) (*models.Item, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return b.itemWhere(ctx, "external_id = ? OR (doi != '' AND doi = ?)", externalID, externalID)
}

func (b *SQLiteBackend) itemWhere(ctx context.Context, cond string, args ...any) (*models.Item, error) {
	items, err := b.queryItems(ctx, "SELECT "+itemColumns+" FROM items WHERE "+cond+" LIMIT 1", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	if err := b.loadRelations(ctx, items); err != nil {
		return nil, err
	}
	return items[0], nil
}

// Fulltext implements Backend.
func (b *SQLiteBackend) Fulltext(ctx context.Context, key string) (string, error) {
	var text string
	err := b.db.QueryRowContext(ctx, "SELECT fulltext FROM items WHERE key = ?", key).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get fulltext: %w", err)
	}
	return text, nil
}

// AddItem implements Backend. A missing key is generated; an item whose
// external id is already present is rejected with ErrDuplicate.
func (b *SQLiteBackend) AddItem(ctx context.Context, item *models.Item) error {
	if item == nil || strings.TrimSpace(item.Title) == "" {
		return errors.New("item title is required")
	}
	if item.ExternalID != "" {
		if _, err := b.FindByExternalID(ctx, item.ExternalID); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, item.ExternalID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if item.Key == "" {
		item.Key = NewKey()
	}
	if item.ItemType == "" {
		item.ItemType = models.ItemJournalArticle
	}
	now := b.now().UTC()
	if item.DateAdded.IsZero() {
		item.DateAdded = now
	}
	item.DateModified = now

	creators, err := json.Marshal(item.Creators)
	if err != nil {
		return fmt.Errorf("failed to marshal creators: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (key, item_type, title, creators, abstract, date, venue, doi, url, external_id, fulltext, date_added, date_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Key, string(item.ItemType), item.Title, string(creators), item.Abstract, item.Date,
		item.Venue, item.DOI, item.URL, item.ExternalID, item.Fulltext,
		formatTime(item.DateAdded), formatTime(item.DateModified),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	for _, tag := range normalizeTagList(item.Tags) {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO item_tags (item_key, tag) VALUES (?, ?)", item.Key, tag); err != nil {
			return fmt.Errorf("failed to tag item: %w", err)
		}
	}
	for _, coll := range item.Collections {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO collection_items (collection_key, item_key) VALUES (?, ?)", coll, item.Key); err != nil {
			return fmt.Errorf("failed to file item in collection %s: %w", coll, err)
		}
	}
	return tx.Commit()
}

// Note implements Backend.
func (b *SQLiteBackend) Note(ctx context.Context, key string) (*models.Note, error) {
	var (
		note            models.Note
		tagsJSON, added string
	)
	err := b.db.QueryRowContext(ctx,
		"SELECT key, parent_key, title, markdown, html, tags, date_added FROM notes WHERE key = ?", key,
	).Scan(&note.Key, &note.ParentKey, &note.Title, &note.Markdown, &note.HTML, &tagsJSON, &added)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &note.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal note tags: %w", err)
	}
	note.DateAdded = parseTime(added)
	return &note, nil
}

// CreateNote implements Backend. A note with a parent requires the parent
// item to exist.
func (b *SQLiteBackend) CreateNote(ctx context.Context, note *models.Note) error {
	if note == nil || strings.TrimSpace(note.Title) == "" {
		return errors.New("note title is required")
	}
	if note.ParentKey != "" {
		if _, err := b.Item(ctx, note.ParentKey); err != nil {
			return fmt.Errorf("parent item %s: %w", note.ParentKey, err)
		}
	}
	if note.Key == "" {
		note.Key = NewKey()
	}
	if note.DateAdded.IsZero() {
		note.DateAdded = b.now().UTC()
	}
	tags, err := json.Marshal(normalizeTagList(note.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal note tags: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO notes (key, parent_key, title, markdown, html, tags, date_added)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.Key, note.ParentKey, note.Title, note.Markdown, note.HTML, string(tags), formatTime(note.DateAdded),
	)
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// DeleteNote implements Backend.
func (b *SQLiteBackend) DeleteNote(ctx context.Context, key string) error {
	return b.execOne(ctx, "delete note", "DELETE FROM notes WHERE key = ?", key)
}

// Collection implements Backend.
func (b *SQLiteBackend) Collection(ctx context.Context, key string) (*models.Collection, error) {
	c := &models.Collection{}
	err := b.db.QueryRowContext(ctx, `
		SELECT c.key, c.name, c.parent_key, (SELECT COUNT(*) FROM collection_items ci WHERE ci.collection_key = c.key)
		FROM collections c WHERE c.key = ?`, key).Scan(&c.Key, &c.Name, &c.ParentKey, &c.ItemCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return c, nil
}

// Collections implements Backend. An empty parentKey lists top-level
// collections.
func (b *SQLiteBackend) Collections(ctx context.Context, parentKey string) ([]*models.Collection, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT c.key, c.name, c.parent_key, COUNT(ci.item_key)
		FROM collections c
		LEFT JOIN collection_items ci ON ci.collection_key = c.key
		WHERE c.parent_key = ?
		GROUP BY c.key, c.name, c.parent_key
		ORDER BY c.name`, parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*models.Collection
	for rows.Next() {
		c := &models.Collection{}
		if err := rows.Scan(&c.Key, &c.Name, &c.ParentKey, &c.ItemCount); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return out, nil
}

// CreateCollection implements Backend.
func (b *SQLiteBackend) CreateCollection(ctx context.Context, c *models.Collection) error {
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return errors.New("collection name is required")
	}
	if c.ParentKey != "" {
		if _, err := b.Collection(ctx, c.ParentKey); err != nil {
			return fmt.Errorf("parent collection %s: %w", c.ParentKey, err)
		}
	}
	if c.Key == "" {
		c.Key = NewKey()
	}
	_, err := b.db.ExecContext(ctx, "INSERT INTO collections (key, name, parent_key) VALUES (?, ?, ?)", c.Key, c.Name, c.ParentKey)
	if err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}
	return nil
}

// AddToCollection implements Backend. Adding an item twice is not an error.
func (b *SQLiteBackend) AddToCollection(ctx context.Context, itemKey, collectionKey string) error {
	if err := b.requireItemAndCollection(ctx, itemKey, collectionKey); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collection_items (collection_key, item_key) VALUES (?, ?)", collectionKey, itemKey)
	if err != nil {
		return fmt.Errorf("failed to add item to collection: %w", err)
	}
	return b.touch(ctx, itemKey)
}

// RemoveFromCollection implements Backend.
func (b *SQLiteBackend) RemoveFromCollection(ctx context.Context, itemKey, collectionKey string) error {
	if err := b.execOne(ctx, "remove item from collection",
		"DELETE FROM collection_items WHERE collection_key = ? AND item_key = ?", collectionKey, itemKey); err != nil {
		return err
	}
	return b.touch(ctx, itemKey)
}

// AddTags implements Backend.
func (b *SQLiteBackend) AddTags(ctx context.Context, itemKey string, tags []string) ([]string, error) {
	if _, err := b.Item(ctx, itemKey); err != nil {
		return nil, err
	}
	for _, tag := range normalizeTagList(tags) {
		if _, err := b.db.ExecContext(ctx, "INSERT OR IGNORE INTO item_tags (item_key, tag) VALUES (?, ?)", itemKey, tag); err != nil {
			return nil, fmt.Errorf("failed to tag item: %w", err)
		}
	}
	if err := b.touch(ctx, itemKey); err != nil {
		return nil, err
	}
	item, err := b.Item(ctx, itemKey)
	if err != nil {
		return nil, err
	}
	return item.Tags, nil
}

func (b *SQLiteBackend) requireItemAndCollection(ctx context.Context, itemKey, collectionKey string) error {
	if _, err := b.Item(ctx, itemKey); err != nil {
		return fmt.Errorf("item %s: %w", itemKey, err)
	}
	if _, err := b.Collection(ctx, collectionKey); err != nil {
		return fmt.Errorf("collection %s: %w", collectionKey, err)
	}
	return nil
}

func (b *SQLiteBackend) touch(ctx context.Context, itemKey string) error {
	_, err := b.db.ExecContext(ctx, "UPDATE items SET date_modified = ? WHERE key = ?", formatTime(b.now().UTC()), itemKey)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	return nil
}

// execOne runs a statement that must affect exactly one row.
func (b *SQLiteBackend) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) queryItems(ctx context.Context, query string, args ...any) ([]*models.Item, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		var (
			item               models.Item
			itemType, creators string
			added, modified    string
		)
		if err := rows.Scan(&item.Key, &itemType, &item.Title, &creators, &item.Abstract, &item.Date,
			&item.Venue, &item.DOI, &item.URL, &item.ExternalID, &added, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.ItemType = models.ItemType(itemType)
		if err := json.Unmarshal([]byte(creators), &item.Creators); err != nil {
			return nil, fmt.Errorf("failed to unmarshal creators of %s: %w", item.Key, err)
		}
		item.DateAdded = parseTime(added)
		item.DateModified = parseTime(modified)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// loadRelations fills tags and collections. It runs after the item rows are
// closed, since the pool holds a single connection.
func (b *SQLiteBackend) loadRelations(ctx context.Context, items []*models.Item) error {
	for _, item := range items {
		tags, err := b.queryStrings(ctx, "SELECT tag FROM item_tags WHERE item_key = ? ORDER BY tag", item.Key)
		if err != nil {
			return fmt.Errorf("failed to load tags: %w", err)
		}
		colls, err := b.queryStrings(ctx, "SELECT collection_key FROM collection_items WHERE item_key = ? ORDER BY collection_key", item.Key)
		if err != nil {
			return fmt.Errorf("failed to load collections: %w", err)
		}
		item.Tags = tags
		item.Collections = colls
	}
	return nil
}

func (b *SQLiteBackend) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// normalizeTagList trims tags and drops blanks and case-insensitive
// duplicates, keeping the first spelling.
func normalizeTagList(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
