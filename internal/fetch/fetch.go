// Package fetch retrieves linked pages and extracts their readable text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/textutil"
)

// MaxContentChars caps extracted page text.
const MaxContentChars = 15000

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 5 << 20

const defaultUserAgent = "insight/1.0 (+bookmark capture)"

// Content types assigned to fetched pages.
const (
	TypeArticle = "article"
	TypeRepo    = "repo"
	TypeVideo   = "video"
	TypeTool    = "tool"
	TypeOther   = "other"
)

// Page is the extracted content of one URL.
type Page struct {
	URL         string
	ResolvedURL string
	Title       string
	Content     string
	ContentType string
}

// Cache stores fetched pages by URL.
type Cache interface {
	Get(url string) (*Page, bool)
	Put(p *Page)
}

// HTTPFetcher fetches pages over HTTP and extracts readable text.
type HTTPFetcher struct {
	client    *http.Client
	cache     Cache
	userAgent string
	logger    *slog.Logger
}

// NewHTTPFetcher returns a fetcher. cache may be nil.
func NewHTTPFetcher(client *http.Client, cache Cache, l *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{
		client:    client,
		cache:     cache,
		userAgent: defaultUserAgent,
		logger:    logger.OrDiscard(l).With("component", "fetch"),
	}
}

// Fetch returns the page at rawURL, consulting the cache first.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if f.cache != nil {
		if p, ok := f.cache.Get(rawURL); ok {
			f.logger.Debug("link cache hit", "url", rawURL)
			return p, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, insighterrors.NewMalformed("invalid url "+rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, insighterrors.FromHTTPStatus(resp.StatusCode, rawURL)
	}

	final := resp.Request.URL
	page := &Page{
		URL:         rawURL,
		ResolvedURL: final.String(),
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, maxBodyBytes)

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "":
		article, err := readability.FromReader(body, final)
		if err != nil {
			return nil, insighterrors.NewMalformed("extract "+rawURL, err)
		}
		page.Title = strings.TrimSpace(article.Title)
		page.Content = article.TextContent
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, insighterrors.NewTransient("read "+rawURL, err)
		}
		page.Content = string(data)
	default:
		// Binary content: keep the link, skip the body.
	}

	page.Content = textutil.TruncateChars(strings.TrimSpace(page.Content), MaxContentChars)
	page.ContentType = Classify(final, mediaType)

	if f.cache != nil {
		f.cache.Put(page)
	}
	return page, nil
}

// Classify assigns a content type from the final URL and media type.
func Classify(u *url.URL, mediaType string) string {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "github.com", "gitlab.com", "bitbucket.org", "codeberg.org":
		return TypeRepo
	case "youtube.com", "m.youtube.com", "youtu.be", "vimeo.com":
		return TypeVideo
	case "pkg.go.dev", "npmjs.com", "pypi.org", "crates.io", "producthunt.com",
		"chromewebstore.google.com", "marketplace.visualstudio.com", "apps.apple.com":
		return TypeTool
	}
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "" {
		return TypeArticle
	}
	return TypeOther
}

func classifyTransportError(target string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return insighterrors.NewTransient(fmt.Sprintf("timeout fetching %s", target), err)
	}
	return insighterrors.NewTransient(fmt.Sprintf("fetch %s", target), err)
}
