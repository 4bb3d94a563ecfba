// Package websearch implements the web_search and read_web_page tools.
package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultSearchURL is the DuckDuckGo HTML endpoint.
const DefaultSearchURL = "https://html.duckduckgo.com/html/"

const (
	defaultResultCount = 5
	maxResultCount     = 10
	defaultCacheTTL    = 5 * time.Minute

	// maxCacheSize bounds the response cache.
	maxCacheSize = 1000
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Response is the payload of web_search.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Cached  bool     `json:"cached,omitempty"`
}

// SearchConfig configures a Searcher.
type SearchConfig struct {
	// BaseURL defaults to DefaultSearchURL.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	CacheTTL  time.Duration
}

// Searcher queries the DuckDuckGo HTML endpoint and caches responses.
type Searcher struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry
}

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// NewSearcher creates a Searcher with defaults applied.
func NewSearcher(cfg SearchConfig) *Searcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSearchURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; libagent/1.0)"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Searcher{
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		ttl:        cfg.CacheTTL,
		now:        time.Now,
		cache:      make(map[string]*cacheEntry),
	}
}

// Search returns up to limit results for query.
func (s *Searcher) Search(ctx context.Context, query string, limit int) (*Response, error) {
	if limit <= 0 {
		limit = defaultResultCount
	} else if limit > maxResultCount {
		limit = maxResultCount
	}
	key := fmt.Sprintf("%d:%s", limit, strings.ToLower(strings.TrimSpace(query)))
	if cached := s.getFromCache(key); cached != nil {
		out := *cached
		out.Cached = true
		return &out, nil
	}

	form := url.Values{}
	form.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	results, err := parseResults(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	out := &Response{Query: query, Results: results}
	s.putInCache(key, out)
	return out, nil
}

func (s *Searcher) getFromCache(key string) *Response {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.cache[key]
	if !ok || s.now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (s *Searcher) putInCache(key string, response *Response) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := s.now()
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
		}
	}
	for len(s.cache) >= maxCacheSize {
		var oldestKey string
		var oldest time.Time
		for k, v := range s.cache {
			if oldestKey == "" || v.expiresAt.Before(oldest) {
				oldestKey, oldest = k, v.expiresAt
			}
		}
		delete(s.cache, oldestKey)
	}
	s.cache[key] = &cacheEntry{response: response, expiresAt: now.Add(s.ttl)}
}

// parseResults reads organic results from a DuckDuckGo HTML page. Ads are
// skipped.
func parseResults(r io.Reader) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	var results []Result
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			classes := attr(n, "class")
			if hasClass(classes, "result--ad") {
				return
			}
			switch {
			case n.DataAtom == atom.A && hasClass(classes, "result__a"):
				if link := resultURL(attr(n, "href")); link != "" {
					results = append(results, Result{Title: collapse(textContent(n)), URL: link})
				}
				return
			case hasClass(classes, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = collapse(textContent(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

// resultURL unwraps DuckDuckGo redirect links.
func resultURL(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Hostname(), "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(classes, name string) bool {
	for _, c := range strings.Fields(classes) {
		if c == name {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
