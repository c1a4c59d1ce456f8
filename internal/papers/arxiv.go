// Package papers fetches literature from the arXiv API and extracts text
// from paper PDFs.
package papers

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/astroinsight/astroinsight/internal/task"
)

const defaultBaseURL = "https://export.arxiv.org/api/query"

// Paper is one entry from an arXiv search result.
type Paper struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	Authors    []string  `json:"authors"`
	Categories []string  `json:"categories"`
	Published  time.Time `json:"published"`
	PDFURL     string    `json:"pdf_url"`
}

// Searcher finds papers matching a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Paper, error)
}

// Client queries the arXiv Atom API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint, used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Atom feed shapes, trimmed to the fields the API populates.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	Links []struct {
		Href string `xml:"href,attr"`
		Type string `xml:"type,attr"`
	} `xml:"link"`
}

// Search runs a free-text query against arXiv and returns up to limit papers.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Paper, error) {
	if strings.TrimSpace(query) == "" {
		return nil, task.Validationf("query is required")
	}
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprint(limit))
	params.Set("sortBy", "relevance")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, task.Transient(fmt.Errorf("query arxiv: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("arxiv returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, task.Transient(err)
		}
		return nil, task.Permanent(err)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, task.Transient(fmt.Errorf("decode feed: %w", err))
	}

	out := make([]Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		p := Paper{
			ID:      arxivID(e.ID),
			Title:   collapseSpace(StripHTML(e.Title)),
			Summary: collapseSpace(StripHTML(e.Summary)),
		}
		for _, a := range e.Authors {
			p.Authors = append(p.Authors, a.Name)
		}
		for _, cat := range e.Categories {
			p.Categories = append(p.Categories, cat.Term)
		}
		for _, l := range e.Links {
			if l.Type == "application/pdf" {
				p.PDFURL = l.Href
				break
			}
		}
		if t, err := time.Parse(time.RFC3339, e.Published); err == nil {
			p.Published = t
		}
		out = append(out, p)
	}
	c.logger.Debug("arxiv search", "query", query, "results", len(out))
	return out, nil
}

// arxivID extracts the bare identifier from an entry ID URL such as
// http://arxiv.org/abs/2401.01234v2.
func arxivID(id string) string {
	if i := strings.LastIndex(id, "/abs/"); i >= 0 {
		return id[i+len("/abs/"):]
	}
	return id
}

// StripHTML removes markup from a fragment, keeping only text content.
// arXiv abstracts occasionally embed anchor tags and math markup.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(s))
	for {
		switch tok.Next() {
		case html.ErrorToken:
			if tok.Err() == io.EOF {
				return b.String()
			}
			return s
		case html.TextToken:
			b.Write(tok.Text())
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
