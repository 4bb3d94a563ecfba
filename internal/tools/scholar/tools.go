package scholar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/library"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

// PaperHit is an external paper, with its library key when it is already
// in the library.
type PaperHit struct {
	models.Paper
	LibraryKey string `json:"library_key,omitempty"`
}

// SearchResult is the payload of search_external_papers.
type SearchResult struct {
	Query  string     `json:"query"`
	Total  int        `json:"total"`
	Papers []PaperHit `json:"papers"`
}

// CitationResult is the payload of get_citations.
type CitationResult struct {
	PaperID   string     `json:"paper_id"`
	Direction Direction  `json:"direction"`
	Papers    []PaperHit `json:"papers"`
}

// Tools serves the external paper tools. Imports go to backend.
type Tools struct {
	client  *Client
	backend library.Backend
	logger  *slog.Logger
}

// NewTools creates the scholar tools.
func NewTools(client *Client, backend library.Backend, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{client: client, backend: backend, logger: logger.With("component", "scholar")}
}

// Handlers returns the dispatch table entries for the scholar tools.
func (t *Tools) Handlers() agent.HandlerTable {
	return agent.HandlerTable{
		toolspec.ToolSearchExternalPapers: agent.HandlerFunc(t.searchPapers),
		toolspec.ToolImportPaper:          agent.HandlerFunc(t.importPaper),
		toolspec.ToolGetCitations:         agent.HandlerFunc(t.getCitations),
	}
}

func (t *Tools) searchPapers(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.SearchExternalPapersArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	papers, total, err := t.client.Search(ctx, in.Query, SearchOptions{Limit: in.Limit, Year: in.Year})
	if err != nil {
		return apiFailure(err)
	}
	out := SearchResult{Query: in.Query, Total: total, Papers: t.annotate(ctx, papers)}
	return models.NewToolSuccess(out, fmt.Sprintf("%d of %d papers for %q", len(papers), total, in.Query)), nil
}

func (t *Tools) importPaper(ctx context.Context, args *toolspec.ValidatedArguments, cfg agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.ImportPaperArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	paper, err := t.client.Paper(ctx, in.PaperID)
	if err != nil {
		return apiFailure(err)
	}
	if existing := t.libraryKey(ctx, *paper); existing != "" {
		return models.NewToolFailure(fmt.Sprintf("paper %s is already in the library as %s", paper.ID, existing)), nil
	}

	collection := in.CollectionKey
	if collection == "" {
		collection = cfg.Library.CollectionKey
	}
	item := paper.ToItem()
	if collection != "" {
		if _, err := t.backend.Collection(ctx, collection); err != nil {
			if errors.Is(err, library.ErrNotFound) {
				return models.NewToolFailure("collection " + collection + " not found"), nil
			}
			return nil, err
		}
		item.Collections = []string{collection}
	}
	if err := t.backend.AddItem(ctx, item); err != nil {
		if errors.Is(err, library.ErrDuplicate) {
			return models.NewToolFailure(err.Error()), nil
		}
		return nil, err
	}
	t.logger.InfoContext(ctx, "paper imported", "paper_id", paper.ID, "item_key", item.Key, "collection", collection)
	return models.NewToolSuccess(item.Brief(), fmt.Sprintf("imported %q as %s", item.Title, item.Key)), nil
}

func (t *Tools) getCitations(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.GetCitationsArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	dir := Citations
	if in.Direction == string(References) {
		dir = References
	}
	papers, err := t.client.Neighbors(ctx, in.PaperID, dir, in.Limit)
	if err != nil {
		return apiFailure(err)
	}
	out := CitationResult{PaperID: in.PaperID, Direction: dir, Papers: t.annotate(ctx, papers)}
	return models.NewToolSuccess(out, fmt.Sprintf("%d %s of %s", len(papers), dir, in.PaperID)), nil
}

func (t *Tools) annotate(ctx context.Context, papers []models.Paper) []PaperHit {
	hits := make([]PaperHit, 0, len(papers))
	for _, p := range papers {
		hits = append(hits, PaperHit{Paper: p, LibraryKey: t.libraryKey(ctx, p)})
	}
	return hits
}

// libraryKey looks a paper up by provider id, then DOI. Lookup errors are
// logged and treated as absent.
func (t *Tools) libraryKey(ctx context.Context, p models.Paper) string {
	if t.backend == nil {
		return ""
	}
	for _, id := range []string{p.ID, p.DOI} {
		if id == "" {
			continue
		}
		item, err := t.backend.FindByExternalID(ctx, id)
		if err == nil {
			return item.Key
		}
		if !errors.Is(err, library.ErrNotFound) {
			t.logger.WarnContext(ctx, "library lookup failed", "external_id", id, "error", err)
		}
	}
	return ""
}

// apiFailure reports permanent API errors to the model and returns
// transient ones for the executor to retry.
func apiFailure(err error) (*models.ToolResult, error) {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrPaperNotFound):
		return models.NewToolFailure(err.Error()), nil
	case errors.As(err, &apiErr) && apiErr.StatusCode == 429:
		return nil, agent.NewToolError("scholar", err).WithType(agent.ToolErrorRateLimit)
	case errors.As(err, &apiErr) && apiErr.Temporary():
		return nil, agent.NewToolError("scholar", err).WithType(agent.ToolErrorNetwork)
	case errors.As(err, &apiErr):
		return models.NewToolFailure(apiErr.Error()), nil
	default:
		return nil, err
	}
}
