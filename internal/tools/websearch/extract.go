package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultMaxBytes int64 = 2 << 20
	defaultMaxChars       = 20000
)

var (
	// ErrURLNotAllowed is returned for URLs rejected before fetching.
	ErrURLNotAllowed = errors.New("URL not allowed")
	// ErrBlockedAddress is returned for URLs that resolve to private or
	// reserved addresses.
	ErrBlockedAddress = errors.New("URL resolves to private/reserved IP address")
)

// Page is the payload of read_web_page.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	TotalChars  int    `json:"total_chars"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// ExtractConfig configures an Extractor.
type ExtractConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64

	// AllowPrivate disables the private address check. Tests only.
	AllowPrivate bool
}

// Extractor fetches pages and extracts their readable text.
type Extractor struct {
	client       *http.Client
	userAgent    string
	maxBytes     int64
	allowPrivate bool
}

// NewExtractor creates an Extractor. Unless AllowPrivate is set, every
// connection, including redirects, is checked against private and reserved
// ranges after DNS resolution.
func NewExtractor(cfg ExtractConfig) *Extractor {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; libagent/1.0)"
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = newDialer(cfg.AllowPrivate).DialContext
	transport.Proxy = nil

	return &Extractor{
		client:       &http.Client{Timeout: cfg.Timeout, Transport: transport},
		userAgent:    cfg.UserAgent,
		maxBytes:     cfg.MaxBytes,
		allowPrivate: cfg.AllowPrivate,
	}
}

// newDialer returns a dialer that refuses private and reserved addresses
// unless allowPrivate is set. The check runs on the resolved address.
func newDialer(allowPrivate bool) *net.Dialer {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if allowPrivate {
		return dialer
	}
	dialer.Control = func(_, address string, _ syscall.RawConn) error {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		if isPrivateOrReservedIP(net.ParseIP(host)) {
			return ErrBlockedAddress
		}
		return nil
	}
	return dialer
}

// isPrivateOrReservedIP checks if an IP address is private, loopback, or reserved.
func isPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// validateURL rejects URLs that cannot be fetched safely before any
// connection is made.
func (e *Extractor) validateURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrURLNotAllowed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrURLNotAllowed, parsed.Scheme)
	}
	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return nil, fmt.Errorf("%w: missing hostname", ErrURLNotAllowed)
	}
	if e.allowPrivate {
		return parsed, nil
	}
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return nil, fmt.Errorf("%w: localhost", ErrURLNotAllowed)
	}
	if isPrivateOrReservedIP(net.ParseIP(hostname)) {
		return nil, ErrBlockedAddress
	}
	return parsed, nil
}

// Extract fetches rawURL and returns its readable text, cut to maxChars.
func (e *Extractor) Extract(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	parsed, err := e.validateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	page := &Page{URL: resp.Request.URL.String()}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		page.Title, page.Description, page.Content = extractHTML(string(body))
	case strings.Contains(contentType, "text/plain"), contentType == "" && utf8.Valid(body):
		page.Content = cleanWhitespace(string(body))
	default:
		return nil, &UnsupportedContentError{ContentType: contentType}
	}

	page.TotalChars = utf8.RuneCountInString(page.Content)
	if page.TotalChars > maxChars {
		page.Content = truncateUTF8(page.Content, maxChars)
		page.Truncated = true
	}
	return page, nil
}

// HTTPError is a non-200 page response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// UnsupportedContentError is returned for responses that are not text.
type UnsupportedContentError struct {
	ContentType string
}

func (e *UnsupportedContentError) Error() string {
	return "unsupported content type: " + e.ContentType
}

// skipElements are elements whose content is not readable text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// extractHTML returns the title, meta description and readable text of a
// page. Text inside main or article is preferred when it is substantial.
func extractHTML(raw string) (title, description, content string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", "", stripTags(raw)
	}
	title = collapse(textContent(findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Title })))
	if meta := findFirst(doc, isDescriptionMeta); meta != nil {
		description = collapse(attr(meta, "content"))
	}

	if body := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Main || n.DataAtom == atom.Article || attr(n, "role") == "main"
	}); body != nil {
		var b strings.Builder
		writeText(body, &b)
		if text := cleanWhitespace(b.String()); utf8.RuneCountInString(text) >= 200 {
			return title, description, text
		}
	}
	var b strings.Builder
	writeText(doc, &b)
	return title, description, cleanWhitespace(b.String())
}

func isDescriptionMeta(n *html.Node) bool {
	if n.DataAtom != atom.Meta {
		return false
	}
	name := strings.ToLower(attr(n, "name"))
	prop := strings.ToLower(attr(n, "property"))
	return name == "description" || prop == "og:description"
}

// findFirst returns the first element in document order matching match,
// or nil.
func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func writeText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	}
	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, w)
	}
	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses spaces within lines and runs of blank lines.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := make([]string, 0, len(lines))
	prevEmpty := false
	for _, line := range lines {
		line = collapse(line)
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

func stripTags(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return cleanWhitespace(b.String())
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}

func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
