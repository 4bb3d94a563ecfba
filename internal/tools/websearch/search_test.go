package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const resultsHTML = `<!DOCTYPE html>
<html><body>
<div class="serp__results">
  <div class="result results_links result--ad">
    <div class="links_main result__body">
      <h2 class="result__title"><a class="result__a" href="https://ads.example.com/buy">Sponsored</a></h2>
      <a class="result__snippet" href="https://ads.example.com/buy">Buy now</a>
    </div>
  </div>
  <div class="result results_links results_links_deep web-result">
    <div class="links_main links_deep result__body">
      <h2 class="result__title">
        <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Farxiv.org%2Fabs%2F1706.03762&amp;rut=abc">Attention Is All You <b>Need</b></a>
      </h2>
      <a class="result__snippet" href="//duckduckgo.com/l/?uddg=x">The dominant sequence   transduction models.</a>
    </div>
  </div>
  <div class="result results_links web-result">
    <div class="links_main result__body">
      <h2 class="result__title"><a class="result__a" href="https://en.wikipedia.org/wiki/Transformer">Transformer - Wikipedia</a></h2>
    </div>
  </div>
  <div class="result results_links web-result">
    <div class="links_main result__body">
      <h2 class="result__title"><a class="result__a" href="javascript:alert(1)">Bad link</a></h2>
    </div>
  </div>
  <div class="result results_links web-result">
    <div class="links_main result__body">
      <h2 class="result__title"><a class="result__a" href="https://example.org/third">Third</a></h2>
      <div class="result__snippet">Third snippet</div>
    </div>
  </div>
</div>
</body></html>`

func newSearchServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if r.PostForm.Get("q") == "" {
			t.Error("missing q form value")
		}
		if r.PostForm.Get("q") == "blocked" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(resultsHTML))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestParseResults(t *testing.T) {
	results, err := parseResults(strings.NewReader(resultsHTML))
	if err != nil {
		t.Fatalf("parseResults() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	first := results[0]
	if first.Title != "Attention Is All You Need" || first.URL != "https://arxiv.org/abs/1706.03762" {
		t.Errorf("first = %+v", first)
	}
	if first.Snippet != "The dominant sequence transduction models." {
		t.Errorf("snippet = %q", first.Snippet)
	}
	if results[1].Snippet != "" || results[1].URL != "https://en.wikipedia.org/wiki/Transformer" {
		t.Errorf("second = %+v", results[1])
	}
	if results[2].Snippet != "Third snippet" {
		t.Errorf("third = %+v", results[2])
	}
}

func TestResultURL(t *testing.T) {
	tests := []struct{ href, want string }{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F", "https://go.dev/"},
		{"https://duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc", "https://go.dev/doc"},
		{"https://go.dev/blog", "https://go.dev/blog"},
		{"/relative", ""},
		{"mailto:someone@example.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := resultURL(tt.href); got != tt.want {
			t.Errorf("resultURL(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}
}

func TestSearcher_Search(t *testing.T) {
	server, calls := newSearchServer(t)
	s := NewSearcher(SearchConfig{BaseURL: server.URL})

	resp, err := s.Search(context.Background(), "attention", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Query != "attention" || len(resp.Results) != 2 || resp.Cached {
		t.Errorf("response = %+v", resp)
	}

	if _, err := s.Search(context.Background(), "blocked", 0); err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("blocked error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestSearcher_Caching(t *testing.T) {
	server, calls := newSearchServer(t)
	s := NewSearcher(SearchConfig{BaseURL: server.URL, CacheTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := s.Search(ctx, "cache test", 3); err != nil {
		t.Fatalf("first Search() error = %v", err)
	}
	resp, err := s.Search(ctx, "  Cache Test ", 3)
	if err != nil {
		t.Fatalf("second Search() error = %v", err)
	}
	if !resp.Cached || calls.Load() != 1 {
		t.Errorf("cached = %v calls = %d", resp.Cached, calls.Load())
	}

	// A different limit is a different entry.
	if _, err := s.Search(ctx, "cache test", 1); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	resp, err = s.Search(ctx, "cache test", 3)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Cached || calls.Load() != 3 {
		t.Errorf("after expiry cached = %v calls = %d", resp.Cached, calls.Load())
	}
}

func TestSearcher_CacheBounded(t *testing.T) {
	s := NewSearcher(SearchConfig{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	for i := 0; i < maxCacheSize+10; i++ {
		s.putInCache(strings.Repeat("k", i+1), &Response{})
	}
	if len(s.cache) != maxCacheSize {
		t.Errorf("cache size = %d, want %d", len(s.cache), maxCacheSize)
	}
	if _, ok := s.cache["k"]; ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestNewSearcher_Defaults(t *testing.T) {
	s := NewSearcher(SearchConfig{})
	if s.baseURL != DefaultSearchURL || s.ttl != defaultCacheTTL || s.httpClient.Timeout != 15*time.Second {
		t.Errorf("searcher = %+v", s)
	}
}
