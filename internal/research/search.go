// Package research answers time-sensitive questions from live web search
// results, synthesizing a short cited answer with an LLM.
package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Source is one web search hit, numbered from 1 in result order.
type Source struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Source, error)
}

// DefaultSearchURL is the DuckDuckGo HTML endpoint.
const DefaultSearchURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo searches the DuckDuckGo HTML interface; no API key required.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
}

// NewDuckDuckGo creates a searcher. An empty baseURL uses DefaultSearchURL.
func NewDuckDuckGo(baseURL string) *DuckDuckGo {
	if baseURL == "" {
		baseURL = DefaultSearchURL
	}
	return &DuckDuckGo{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Search returns up to maxResults sources.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]Source, error) {
	searchURL := d.baseURL + "?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	return parseResults(string(body), maxResults)
}

// parseResults extracts results from DuckDuckGo HTML. Result blocks carry
// the class "result"; within them "result__a" is the title link and
// "result__snippet" the description.
func parseResults(page string, maxResults int) ([]Source, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse search HTML: %w", err)
	}

	var out []Source
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if maxResults > 0 && len(out) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			if src := extractResult(n); src.URL != "" && src.Title != "" {
				src.ID = len(out) + 1
				out = append(out, src)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}

func extractResult(n *html.Node) Source {
	var src Source
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				src.URL = attr(n, "href")
				src.Title = textContent(n)
			case hasClass(n, "result__snippet"):
				src.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	src.URL = resolveRedirect(src.URL)
	return src
}

// resolveRedirect unwraps DuckDuckGo's //duckduckgo.com/l/?uddg=<target> links.
func resolveRedirect(href string) string {
	if !strings.Contains(href, "duckduckgo.com/l/") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
