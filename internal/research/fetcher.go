// Package research gathers lightweight public context about a company domain
// and normalises it into a model.ResearchSnapshot.
package research

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/yangwenmai/sdragent/internal/model"
)

// maxBodySize is the maximum HTTP response body size (5MB).
const maxBodySize = 5 * 1024 * 1024

// Result is the unstructured output of a Fetcher. HTTPFetcher fills the keys
// url, title, text, excerpt, byline and site_name.
type Result map[string]any

// Fetcher retrieves raw research material for a domain. An empty Result with
// a nil error means nothing useful was found.
type Fetcher interface {
	Fetch(ctx context.Context, domain string) (Result, error)
}

// HTTPFetcher downloads the company homepage and extracts readable content
// using go-readability.
type HTTPFetcher struct {
	client *http.Client
	scheme string
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithScheme overrides the URL scheme (default https).
func WithScheme(scheme string) FetcherOption {
	return func(f *HTTPFetcher) { f.scheme = scheme }
}

// NewHTTPFetcher creates a homepage fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		scheme: "https",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs a single homepage download. Network failures and 5xx
// responses are transient provider_unavailable errors. Unknown hosts, 4xx
// responses and unparsable pages yield an empty Result.
func (f *HTTPFetcher) Fetch(ctx context.Context, domain string) (Result, error) {
	url := f.scheme + "://" + domain
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Use a realistic browser User-Agent to avoid being blocked by sites.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return Result{}, nil
		}
		return nil, model.Unavailable("research", fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		e := model.Unavailable("research", fmt.Errorf("HTTP %d for %s", resp.StatusCode, url))
		e.Status = resp.StatusCode
		return nil, e
	case resp.StatusCode >= http.StatusBadRequest:
		return Result{}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, model.Unavailable("research", fmt.Errorf("read body: %w", err))
	}

	parsedURL, _ := nurl.Parse(url)
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return Result{}, nil
	}

	res := Result{"url": url}
	put := func(key, value string) {
		if value = normalizeText(value); value != "" {
			res[key] = value
		}
	}
	put("title", article.Title)
	put("text", article.TextContent)
	put("excerpt", article.Excerpt)
	put("byline", article.Byline)
	put("site_name", article.SiteName)
	return res, nil
}

// StubFetcher returns a fixed Result (for development/testing).
type StubFetcher struct {
	Result Result
	Err    error
}

func (s *StubFetcher) Fetch(_ context.Context, domain string) (Result, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result != nil {
		return s.Result, nil
	}
	return Result{
		"url":   "https://" + domain,
		"title": strings.ToUpper(domain[:1]) + domain[1:] + " | Sales automation for revenue teams",
		"text":  "We help customer-facing sales teams scale outbound with AI automation and clean data.",
	}, nil
}

var multiSpace = regexp.MustCompile(`[ \t]+`)
var multiNewline = regexp.MustCompile(`\n{3,}`)

func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return s
}
