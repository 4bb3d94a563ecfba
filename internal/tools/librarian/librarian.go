// Package librarian implements the document library tools on top of a
// library.Backend.
package librarian

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/library"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

const (
	defaultSearchLimit   = 10
	defaultFulltextChars = 20000
	defaultTagCount      = 5
)

// Tools serves the library tools.
type Tools struct {
	backend  library.Backend
	markdown goldmark.Markdown
	logger   *slog.Logger
}

// Option configures Tools.
type Option func(*Tools)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tools) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates the library tools.
func New(backend library.Backend, opts ...Option) *Tools {
	t := &Tools{
		backend:  backend,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "librarian")
	return t
}

// Handlers returns the dispatch table entries for the library tools.
func (t *Tools) Handlers() agent.HandlerTable {
	return agent.HandlerTable{
		toolspec.ToolSearchLibrary:            agent.HandlerFunc(t.searchLibrary),
		toolspec.ToolGetItemMetadata:          agent.HandlerFunc(t.getItemMetadata),
		toolspec.ToolGetItemFulltext:          agent.HandlerFunc(t.getItemFulltext),
		toolspec.ToolCreateNote:               agent.HandlerFunc(t.createNote),
		toolspec.ToolDeleteNote:               agent.HandlerFunc(t.deleteNote),
		toolspec.ToolListCollections:          agent.HandlerFunc(t.listCollections),
		toolspec.ToolCreateCollection:         agent.HandlerFunc(t.createCollection),
		toolspec.ToolAddItemToCollection:      agent.HandlerFunc(t.addItemToCollection),
		toolspec.ToolRemoveItemFromCollection: agent.HandlerFunc(t.removeItemFromCollection),
		toolspec.ToolGenerateTags:             agent.HandlerFunc(t.generateTags),
		toolspec.ToolApplyTags:                agent.HandlerFunc(t.applyTags),
	}
}

// SearchResult is the payload of search_library.
type SearchResult struct {
	Query string             `json:"query"`
	Count int                `json:"count"`
	Items []models.ItemBrief `json:"items"`
}

func (t *Tools) searchLibrary(ctx context.Context, args *toolspec.ValidatedArguments, cfg agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.SearchLibraryArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	q := library.SearchQuery{
		Text:          in.Query,
		ItemType:      models.ItemType(in.ItemType),
		CollectionKey: in.CollectionKey,
		Tags:          in.Tags,
		Limit:         in.Limit,
	}
	if q.CollectionKey == "" {
		q.CollectionKey = cfg.Library.CollectionKey
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}

	items, err := t.backend.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	out := SearchResult{Query: in.Query, Count: len(items), Items: make([]models.ItemBrief, 0, len(items))}
	for _, item := range items {
		out.Items = append(out.Items, item.Brief())
	}
	return models.NewToolSuccess(out, fmt.Sprintf("%d items for %q", len(items), in.Query)), nil
}

func (t *Tools) getItemMetadata(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.GetItemMetadataArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	item, err := t.backend.Item(ctx, in.ItemKey)
	if err != nil {
		return failure("item "+in.ItemKey, err)
	}
	return models.NewToolSuccess(item, item.Title), nil
}

// Fulltext is the payload of get_item_fulltext.
type Fulltext struct {
	ItemKey    string `json:"item_key"`
	Text       string `json:"text"`
	TotalChars int    `json:"total_chars"`
	Truncated  bool   `json:"truncated"`
}

func (t *Tools) getItemFulltext(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.GetItemFulltextArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	text, err := t.backend.Fulltext(ctx, in.ItemKey)
	if err != nil {
		return failure("item "+in.ItemKey, err)
	}
	if text == "" {
		return models.NewToolFailure(fmt.Sprintf("item %s has no indexed fulltext", in.ItemKey)), nil
	}
	limit := in.MaxChars
	if limit <= 0 {
		limit = defaultFulltextChars
	}
	out := Fulltext{ItemKey: in.ItemKey, TotalChars: utf8.RuneCountInString(text)}
	out.Text, out.Truncated = truncateRunes(text, limit)
	return models.NewToolSuccess(out, fmt.Sprintf("%d characters of %s", utf8.RuneCountInString(out.Text), in.ItemKey)), nil
}

func (t *Tools) createNote(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.CreateNoteArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.markdown.Convert([]byte(in.Content), &buf); err != nil {
		return models.NewToolFailure(fmt.Sprintf("render note: %v", err)), nil
	}
	note := &models.Note{
		ParentKey: in.ParentItemKey,
		Title:     in.Title,
		Markdown:  in.Content,
		HTML:      buf.String(),
		Tags:      in.Tags,
	}
	if err := t.backend.CreateNote(ctx, note); err != nil {
		return failure("parent item "+in.ParentItemKey, err)
	}
	t.logger.InfoContext(ctx, "note created", "note_key", note.Key, "parent_key", note.ParentKey)
	return models.NewToolSuccess(note, "created note "+note.Key), nil
}

func (t *Tools) deleteNote(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.DeleteNoteArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	if err := t.backend.DeleteNote(ctx, in.NoteKey); err != nil {
		return failure("note "+in.NoteKey, err)
	}
	t.logger.InfoContext(ctx, "note deleted", "note_key", in.NoteKey)
	return models.NewToolSuccess(map[string]string{"deleted": in.NoteKey}, "deleted note "+in.NoteKey), nil
}

func (t *Tools) listCollections(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.ListCollectionsArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	colls, err := t.backend.Collections(ctx, in.ParentKey)
	if err != nil {
		return nil, err
	}
	if colls == nil {
		colls = []*models.Collection{}
	}
	return models.NewToolSuccess(colls, fmt.Sprintf("%d collections", len(colls))), nil
}

func (t *Tools) createCollection(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.CreateCollectionArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	c := &models.Collection{Name: in.Name, ParentKey: in.ParentKey}
	if err := t.backend.CreateCollection(ctx, c); err != nil {
		return failure("collection", err)
	}
	return models.NewToolSuccess(c, fmt.Sprintf("created collection %q (%s)", c.Name, c.Key)), nil
}

func (t *Tools) addItemToCollection(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.AddItemToCollectionArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	if err := t.backend.AddToCollection(ctx, in.ItemKey, in.CollectionKey); err != nil {
		return failure(fmt.Sprintf("item %s or collection %s", in.ItemKey, in.CollectionKey), err)
	}
	return models.NewToolSuccess(in, fmt.Sprintf("added %s to %s", in.ItemKey, in.CollectionKey)), nil
}

func (t *Tools) removeItemFromCollection(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.RemoveItemFromCollectionArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	if err := t.backend.RemoveFromCollection(ctx, in.ItemKey, in.CollectionKey); err != nil {
		return failure(fmt.Sprintf("%s in collection %s", in.ItemKey, in.CollectionKey), err)
	}
	return models.NewToolSuccess(in, fmt.Sprintf("removed %s from %s", in.ItemKey, in.CollectionKey)), nil
}

// TagSuggestions is the payload of generate_tags.
type TagSuggestions struct {
	ItemKey  string   `json:"item_key"`
	Existing []string `json:"existing,omitempty"`
	Tags     []string `json:"suggested"`
}

func (t *Tools) generateTags(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.GenerateTagsArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	item, err := t.backend.Item(ctx, in.ItemKey)
	if err != nil {
		return failure("item "+in.ItemKey, err)
	}
	n := in.MaxTags
	if n <= 0 {
		n = defaultTagCount
	}
	out := TagSuggestions{ItemKey: item.Key, Existing: item.Tags, Tags: SuggestTags(item, n)}
	return models.NewToolSuccess(out, fmt.Sprintf("%d tag suggestions for %s", len(out.Tags), item.Key)), nil
}

func (t *Tools) applyTags(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.ApplyTagsArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(in.Tags))
	for _, tag := range in.Tags {
		if norm := NormalizeTag(tag); norm != "" {
			tags = append(tags, norm)
		}
	}
	if len(tags) == 0 {
		return models.NewToolFailure("no usable tags after normalization"), nil
	}
	result, err := t.backend.AddTags(ctx, in.ItemKey, tags)
	if err != nil {
		return failure("item "+in.ItemKey, err)
	}
	return models.NewToolSuccess(map[string]any{"item_key": in.ItemKey, "tags": result},
		fmt.Sprintf("%s now has %d tags", in.ItemKey, len(result))), nil
}

// failure turns lookup errors into tool-reported failures the model can act
// on. Other errors are returned for the executor to classify.
func failure(what string, err error) (*models.ToolResult, error) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		return models.NewToolFailure(what + " not found"), nil
	case errors.Is(err, library.ErrDuplicate):
		return models.NewToolFailure(err.Error()), nil
	default:
		return nil, err
	}
}

func truncateRunes(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	r := []rune(s)
	return string(r[:limit]), true
}
