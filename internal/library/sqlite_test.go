package library

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/libagent/pkg/models"
)

const testSeed = `
collections:
  - {key: COLLML, name: Machine Learning}
  - {key: COLLNLP, name: NLP, parent: COLLML}
items:
  - key: VASWANI17
    type: conferencePaper
    title: Attention Is All You Need
    authors: [Ashish Vaswani, Noam Shazeer]
    date: "2017"
    venue: NeurIPS
    doi: 10.48550/arXiv.1706.03762
    abstract: The dominant sequence transduction models are based on recurrent networks.
    fulltext: We propose a new simple network architecture, the Transformer.
    tags: [transformers, attention]
    collections: [COLLNLP]
  - key: HE16
    type: conferencePaper
    title: Deep Residual Learning for Image Recognition
    authors: [Kaiming He, Xiangyu Zhang, Shaoqing Ren, Jian Sun]
    date: "2016"
    tags: [vision]
    collections: [COLLML]
  - key: KNUTH84
    type: book
    title: The TeXbook
    authors: [Donald Knuth]
    date: "1984"
`

// newTestBackend returns a seeded in-memory backend with a controllable clock.
func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(SQLiteConfig{})
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	n, err := Seed(context.Background(), b, strings.NewReader(testSeed))
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("seeded %d items, want 3", n)
	}
	return b
}

func keys(items []*models.Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Key
	}
	return out
}

func TestSQLiteBackend_Search(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		query SearchQuery
		want  []string
	}{
		{"title term", SearchQuery{Text: "attention"}, []string{"VASWANI17"}},
		{"all terms must match", SearchQuery{Text: "residual image"}, []string{"HE16"}},
		{"terms across fields", SearchQuery{Text: "recurrent vaswani"}, []string{"VASWANI17"}},
		{"tag as text", SearchQuery{Text: "vision"}, []string{"HE16"}},
		{"no match", SearchQuery{Text: "quantum"}, []string{}},
		{"item type", SearchQuery{ItemType: models.ItemBook}, []string{"KNUTH84"}},
		{"collection", SearchQuery{CollectionKey: "COLLML"}, []string{"HE16"}},
		{"tag filter ignores case", SearchQuery{Tags: []string{"Transformers"}}, []string{"VASWANI17"}},
		{"newest first with limit", SearchQuery{Limit: 2}, []string{"KNUTH84", "HE16"}},
		{"like wildcards are literal", SearchQuery{Text: "%"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := b.Search(ctx, tt.query)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			got := keys(items)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Search(%+v) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestSQLiteBackend_Item(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	item, err := b.Item(ctx, "VASWANI17")
	if err != nil {
		t.Fatalf("Item() error = %v", err)
	}
	if item.Title != "Attention Is All You Need" || item.CreatorSummary() != "Vaswani and Shazeer" {
		t.Errorf("item = %+v", item)
	}
	if strings.Join(item.Tags, ",") != "attention,transformers" || strings.Join(item.Collections, ",") != "COLLNLP" {
		t.Errorf("relations = %v / %v", item.Tags, item.Collections)
	}
	if item.Fulltext != "" {
		t.Error("fulltext should not be loaded with metadata")
	}
	if item.DateAdded.IsZero() {
		t.Error("date added not stored")
	}

	if _, err := b.Item(ctx, "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Item(missing) error = %v", err)
	}

	text, err := b.Fulltext(ctx, "VASWANI17")
	if err != nil || !strings.Contains(text, "Transformer") {
		t.Errorf("Fulltext() = %q, %v", text, err)
	}
	if _, err := b.Fulltext(ctx, "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fulltext(missing) error = %v", err)
	}
}

func TestSQLiteBackend_AddItemRejectsDuplicates(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first := &models.Item{Title: "Imported", ExternalID: "S2:abc"}
	if err := b.AddItem(ctx, first); err != nil {
		t.Fatalf("AddItem() error = %v", err)
	}
	if len(first.Key) != 8 {
		t.Errorf("generated key = %q", first.Key)
	}
	found, err := b.FindByExternalID(ctx, "S2:abc")
	if err != nil || found.Key != first.Key {
		t.Fatalf("FindByExternalID() = %+v, %v", found, err)
	}
	if err := b.AddItem(ctx, &models.Item{Title: "Imported again", ExternalID: "S2:abc"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate import error = %v", err)
	}
	if _, err := b.FindByExternalID(ctx, "10.48550/arXiv.1706.03762"); err != nil {
		t.Errorf("lookup by DOI error = %v", err)
	}
	if err := b.AddItem(ctx, &models.Item{}); err == nil {
		t.Error("expected error for untitled item")
	}
}

func TestSQLiteBackend_Notes(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	note := &models.Note{ParentKey: "VASWANI17", Title: "Summary", Markdown: "**key** idea", HTML: "<p><strong>key</strong> idea</p>", Tags: []string{"read", "Read", " "}}
	if err := b.CreateNote(ctx, note); err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	got, err := b.Note(ctx, note.Key)
	if err != nil {
		t.Fatalf("Note() error = %v", err)
	}
	if got.HTML != note.HTML || len(got.Tags) != 1 || got.ParentKey != "VASWANI17" {
		t.Errorf("note = %+v", got)
	}

	if err := b.CreateNote(ctx, &models.Note{ParentKey: "MISSING", Title: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan note error = %v", err)
	}

	if err := b.DeleteNote(ctx, note.Key); err != nil {
		t.Fatalf("DeleteNote() error = %v", err)
	}
	if err := b.DeleteNote(ctx, note.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteNote() error = %v", err)
	}
}

func TestSQLiteBackend_Collections(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	top, err := b.Collections(ctx, "")
	if err != nil {
		t.Fatalf("Collections() error = %v", err)
	}
	if len(top) != 1 || top[0].Key != "COLLML" || top[0].ItemCount != 1 {
		t.Errorf("top-level = %+v", top)
	}

	sub := &models.Collection{Name: "Reading list", ParentKey: "COLLML"}
	if err := b.CreateCollection(ctx, sub); err != nil {
		t.Fatalf("CreateCollection() error = %v", err)
	}
	children, _ := b.Collections(ctx, "COLLML")
	if len(children) != 2 || children[0].Name != "NLP" || children[1].Name != "Reading list" {
		t.Errorf("children = %+v", children)
	}
	if err := b.CreateCollection(ctx, &models.Collection{Name: "x", ParentKey: "NOPE"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing parent error = %v", err)
	}

	if err := b.AddToCollection(ctx, "KNUTH84", sub.Key); err != nil {
		t.Fatalf("AddToCollection() error = %v", err)
	}
	if err := b.AddToCollection(ctx, "KNUTH84", sub.Key); err != nil {
		t.Errorf("adding twice should be a no-op: %v", err)
	}
	if c, _ := b.Collection(ctx, sub.Key); c.ItemCount != 1 {
		t.Errorf("item count = %d", c.ItemCount)
	}
	if err := b.AddToCollection(ctx, "MISSING", sub.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing item error = %v", err)
	}

	if err := b.RemoveFromCollection(ctx, "KNUTH84", sub.Key); err != nil {
		t.Fatalf("RemoveFromCollection() error = %v", err)
	}
	if err := b.RemoveFromCollection(ctx, "KNUTH84", sub.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove error = %v", err)
	}
}

func TestSQLiteBackend_AddTags(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tags, err := b.AddTags(ctx, "KNUTH84", []string{"typesetting", "TeX", "tex"})
	if err != nil {
		t.Fatalf("AddTags() error = %v", err)
	}
	if strings.Join(tags, ",") != "TeX,typesetting" {
		t.Errorf("tags = %v", tags)
	}
	items, _ := b.Search(ctx, SearchQuery{Limit: 1})
	if len(items) != 1 || items[0].Key != "KNUTH84" {
		t.Errorf("tagging should mark the item modified, newest = %v", keys(items))
	}
	if _, err := b.AddTags(ctx, "MISSING", []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing item error = %v", err)
	}
}

func TestSeed_IsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	b, err := NewSQLiteBackend(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	for i, want := range []int{3, 0} {
		n, err := Seed(ctx, b, strings.NewReader(testSeed))
		if err != nil {
			t.Fatalf("Seed() run %d error = %v", i, err)
		}
		if n != want {
			t.Errorf("run %d added %d, want %d", i, n, want)
		}
	}
	if _, err := Seed(ctx, b, strings.NewReader("items: [{titel: typo}]")); err == nil {
		t.Error("unknown seed fields should be rejected")
	}
}

func TestNewKey(t *testing.T) {
	k := NewKey()
	if len(k) != 8 || strings.ToUpper(k) != k {
		t.Errorf("NewKey() = %q", k)
	}
	if NewKey() == k {
		t.Error("keys should differ")
	}
}
