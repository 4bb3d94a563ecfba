package websearch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const articleHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Test Page Title</title>
    <meta name="description" content="This is a test page description">
</head>
<body>
    <header>
        <nav>Navigation menu</nav>
    </header>
    <main>
        <article>
            <h1>Main Article Title</h1>
            <p>This is the first paragraph of the article, long enough to count as the main text of the page.</p>
            <p>This is the second paragraph with more content about the transformer architecture.</p>
            <p>And a third paragraph to ensure we have enough content.</p>
        </article>
    </main>
    <aside>Related links</aside>
    <footer>Footer content</footer>
    <script>console.log("should be removed");</script>
</body>
</html>
`

func testExtractor() *Extractor {
	return NewExtractor(ExtractConfig{AllowPrivate: true, Timeout: 5 * time.Second})
}

func TestExtractor_Extract_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer server.Close()

	page, err := testExtractor().Extract(context.Background(), server.URL, 0)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if page.Title != "Test Page Title" {
		t.Errorf("title = %q", page.Title)
	}
	if page.Description != "This is a test page description" {
		t.Errorf("description = %q", page.Description)
	}
	if !strings.Contains(page.Content, "first paragraph") || !strings.HasPrefix(page.Content, "Main Article Title") {
		t.Errorf("content = %q", page.Content)
	}
	for _, unwanted := range []string{"console.log", "Navigation menu", "Footer content", "Related links"} {
		if strings.Contains(page.Content, unwanted) {
			t.Errorf("content should not contain %q", unwanted)
		}
	}
	if page.Truncated || page.TotalChars != len([]rune(page.Content)) {
		t.Errorf("truncated = %v total = %d", page.Truncated, page.TotalChars)
	}
}

func TestExtractor_Extract_Truncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("é", 500)))
	}))
	defer server.Close()

	page, err := testExtractor().Extract(context.Background(), server.URL, 100)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !page.Truncated || page.TotalChars != 500 || page.Content != strings.Repeat("é", 100) {
		t.Errorf("truncated = %v total = %d len = %d", page.Truncated, page.TotalChars, len([]rune(page.Content)))
	}
}

func TestExtractor_Extract_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"key": "value"}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	e := testExtractor()

	_, err := e.Extract(context.Background(), server.URL+"/json", 0)
	var contentErr *UnsupportedContentError
	if !errors.As(err, &contentErr) || contentErr.ContentType != "application/json" {
		t.Errorf("json error = %v", err)
	}

	_, err = e.Extract(context.Background(), server.URL+"/missing", 0)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("404 error = %v", err)
	}
}

func TestExtractor_Extract_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := testExtractor().Extract(ctx, server.URL, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestExtractor_ValidateURL(t *testing.T) {
	e := NewExtractor(ExtractConfig{})
	tests := []struct {
		url  string
		want error
	}{
		{"not-a-valid-url", ErrURLNotAllowed},
		{"ftp://example.com/file", ErrURLNotAllowed},
		{"http://localhost:8080/", ErrURLNotAllowed},
		{"http://api.localhost/", ErrURLNotAllowed},
		{"http://127.0.0.1/", ErrBlockedAddress},
		{"http://10.0.0.8/admin", ErrBlockedAddress},
		{"http://169.254.169.254/latest/meta-data", ErrBlockedAddress},
		{"http://[::1]/", ErrBlockedAddress},
		{"https://93.184.216.34/", nil},
		{"https://example.com/page", nil},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := e.validateURL(tt.url)
			if tt.want == nil {
				if err != nil {
					t.Errorf("validateURL() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("validateURL() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExtractor_BlocksPrivateAddressOnConnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached a loopback server")
	}))
	defer server.Close()

	// A hostname that passes validation but resolves to loopback.
	_, port, _ := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	e := NewExtractor(ExtractConfig{Timeout: 2 * time.Second})
	dialer := newDialer(false)
	e.client.Transport.(*http.Transport).DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, net.JoinHostPort("127.0.0.1", port))
	}
	_, err := e.Extract(context.Background(), "http://docs.example.test:"+port+"/", 0)
	if !errors.Is(err, ErrBlockedAddress) {
		t.Errorf("expected blocked address error, got %v", err)
	}
}

func TestIsPrivateOrReservedIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"fc00::1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		if got := isPrivateOrReservedIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("isPrivateOrReservedIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
	if isPrivateOrReservedIP(nil) {
		t.Error("nil IP should not be private")
	}
}

func TestExtractHTML(t *testing.T) {
	tests := []struct {
		name        string
		html        string
		title       string
		description string
		contains    []string
		excludes    []string
	}{
		{
			name:     "short main falls back to body",
			html:     `<html><body><main><p>Tiny</p></main><div><p>Sidebar text outside main</p></div></body></html>`,
			contains: []string{"Tiny", "Sidebar text outside main"},
		},
		{
			name:        "og description",
			html:        `<html><head><title> Spaced   Title </title><meta property="og:description" content="OG text"></head><body><p>x</p></body></html>`,
			title:       "Spaced Title",
			description: "OG text",
			contains:    []string{"x"},
		},
		{
			name:     "lists and breaks",
			html:     `<ul><li>one</li><li>two</li></ul><p>a<br>b</p>`,
			contains: []string{"one\ntwo", "a\nb"},
		},
		{
			name:     "forms skipped",
			html:     `<p>Keep</p><form><input value="secret"><label>Drop me</label></form>`,
			contains: []string{"Keep"},
			excludes: []string{"Drop me"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, description, content := extractHTML(tt.html)
			if title != tt.title {
				t.Errorf("title = %q, want %q", title, tt.title)
			}
			if description != tt.description {
				t.Errorf("description = %q, want %q", description, tt.description)
			}
			for _, s := range tt.contains {
				if !strings.Contains(content, s) {
					t.Errorf("content %q missing %q", content, s)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(content, s) {
					t.Errorf("content %q should not contain %q", content, s)
				}
			}
		})
	}
}

func TestCleanWhitespace(t *testing.T) {
	got := cleanWhitespace("  a   b \n\n\n\n c\t\td \n")
	if got != "a b\n\nc d" {
		t.Errorf("cleanWhitespace() = %q", got)
	}
}
