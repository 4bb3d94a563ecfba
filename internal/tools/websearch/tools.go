package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

// Tools serves web_search and read_web_page.
type Tools struct {
	searcher  *Searcher
	extractor *Extractor
}

// NewTools creates the web tools.
func NewTools(searcher *Searcher, extractor *Extractor) *Tools {
	return &Tools{searcher: searcher, extractor: extractor}
}

// Handlers returns the dispatch table entries for the web tools.
func (t *Tools) Handlers() agent.HandlerTable {
	return agent.HandlerTable{
		toolspec.ToolWebSearch:   agent.HandlerFunc(t.webSearch),
		toolspec.ToolReadWebPage: agent.HandlerFunc(t.readWebPage),
	}
}

func (t *Tools) webSearch(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.WebSearchArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	resp, err := t.searcher.Search(ctx, in.Query, in.Limit)
	if err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	return models.NewToolSuccess(resp, fmt.Sprintf("%d web results for %q", len(resp.Results), in.Query)), nil
}

func (t *Tools) readWebPage(ctx context.Context, args *toolspec.ValidatedArguments, _ agent.AgentConfig) (*models.ToolResult, error) {
	var in toolspec.ReadWebPageArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	page, err := t.extractor.Extract(ctx, in.URL, in.MaxChars)
	if err != nil {
		return pageFailure(err)
	}
	summary := fmt.Sprintf("%d characters from %s", len([]rune(page.Content)), page.URL)
	if page.Title != "" {
		summary = fmt.Sprintf("%q: %s", page.Title, summary)
	}
	return models.NewToolSuccess(page, summary), nil
}

// pageFailure reports pages that will not load on a retry to the model.
// Server errors and transport failures go back to the executor.
func pageFailure(err error) (*models.ToolResult, error) {
	var httpErr *HTTPError
	var contentErr *UnsupportedContentError
	switch {
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests:
		return nil, agent.NewToolError("read_web_page", err).WithType(agent.ToolErrorRateLimit)
	case errors.As(err, &httpErr) && httpErr.StatusCode >= 500:
		return nil, agent.NewToolError("read_web_page", err).WithType(agent.ToolErrorNetwork)
	case errors.As(err, &httpErr), errors.As(err, &contentErr):
		return models.NewToolFailure(err.Error()), nil
	case errors.Is(err, ErrURLNotAllowed), errors.Is(err, ErrBlockedAddress):
		return models.NewToolFailure(err.Error()), nil
	default:
		return nil, err
	}
}
