// Package scholar provides tools backed by a scholarly metadata API with
// the Semantic Scholar Graph API shape.
package scholar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/libagent/pkg/models"
)

// DefaultBaseURL is the public Semantic Scholar Graph API.
const DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

const paperFields = "paperId,title,authors,year,venue,abstract,externalIds,url,citationCount"

// ErrPaperNotFound is returned when the API has no record of a paper.
var ErrPaperNotFound = errors.New("paper not found")

// Config holds client configuration.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// APIKey is sent as x-api-key when set.
	APIKey  string
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client is a scholarly metadata API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, httpClient: httpClient}
}

// APIError is a non-success response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scholar API error %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// SearchOptions filters a paper search.
type SearchOptions struct {
	Limit int
	// Year is a year or an inclusive range such as "2019-2023".
	Year string
}

// Search finds papers matching query.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) ([]models.Paper, int, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("fields", paperFields)
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	params.Set("limit", strconv.Itoa(limit))
	if opts.Year != "" {
		params.Set("year", opts.Year)
	}

	var result struct {
		Total int        `json:"total"`
		Data  []apiPaper `json:"data"`
	}
	if err := c.get(ctx, "/paper/search", params, &result); err != nil {
		return nil, 0, err
	}
	papers := make([]models.Paper, 0, len(result.Data))
	for _, p := range result.Data {
		papers = append(papers, p.toPaper())
	}
	return papers, result.Total, nil
}

// Paper fetches one paper. DOIs are accepted as-is.
func (c *Client) Paper(ctx context.Context, id string) (*models.Paper, error) {
	params := url.Values{}
	params.Set("fields", paperFields)
	var p apiPaper
	if err := c.get(ctx, "/paper/"+url.PathEscape(paperRef(id)), params, &p); err != nil {
		return nil, err
	}
	paper := p.toPaper()
	return &paper, nil
}

// Direction selects one side of the citation graph.
type Direction string

const (
	Citations  Direction = "citations"
	References Direction = "references"
)

// Neighbors lists papers citing id (Citations) or cited by it (References).
func (c *Client) Neighbors(ctx context.Context, id string, dir Direction, limit int) ([]models.Paper, error) {
	if dir != References {
		dir = Citations
	}
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("fields", paperFields)
	params.Set("limit", strconv.Itoa(limit))

	var result struct {
		Data []struct {
			Citing *apiPaper `json:"citingPaper"`
			Cited  *apiPaper `json:"citedPaper"`
		} `json:"data"`
	}
	path := "/paper/" + url.PathEscape(paperRef(id)) + "/" + string(dir)
	if err := c.get(ctx, path, params, &result); err != nil {
		return nil, err
	}
	papers := make([]models.Paper, 0, len(result.Data))
	for _, edge := range result.Data {
		p := edge.Citing
		if dir == References {
			p = edge.Cited
		}
		// The API returns stubs without an id for papers it cannot resolve.
		if p == nil || p.PaperID == "" {
			continue
		}
		papers = append(papers, p.toPaper())
	}
	return papers, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	fullURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrPaperNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}

// paperRef prefixes bare DOIs the way the API expects.
func paperRef(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "10.") {
		return "DOI:" + id
	}
	return id
}

type apiPaper struct {
	PaperID       string         `json:"paperId"`
	Title         string         `json:"title"`
	Year          int            `json:"year"`
	Venue         string         `json:"venue"`
	Abstract      string         `json:"abstract"`
	URL           string         `json:"url"`
	CitationCount int            `json:"citationCount"`
	ExternalIDs   map[string]any `json:"externalIds"`
	Authors       []apiAuthor    `json:"authors"`
}

type apiAuthor struct {
	Name string `json:"name"`
}

func (p apiPaper) toPaper() models.Paper {
	out := models.Paper{
		ID:            p.PaperID,
		Title:         p.Title,
		Year:          p.Year,
		Venue:         p.Venue,
		Abstract:      p.Abstract,
		URL:           p.URL,
		CitationCount: p.CitationCount,
	}
	if doi, ok := p.ExternalIDs["DOI"].(string); ok {
		out.DOI = doi
	}
	for _, a := range p.Authors {
		out.Authors = append(out.Authors, a.Name)
	}
	return out
}
