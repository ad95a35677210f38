package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/insight/internal/db"
	insighterrors "github.com/hpungsan/insight/internal/errors"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Structured Concurrency in Go</title></head>
<body>
<nav>Home | About</nav>
<article>
<h1>Structured Concurrency in Go</h1>
<p>Structured concurrency means every goroutine has an owner that waits for it to finish before returning.
This keeps lifetimes visible in the code and makes cancellation predictable across the whole call tree.</p>
<p>The errgroup package gives you a simple way to start a group of goroutines, collect the first error,
and cancel the rest through a shared context. It pairs well with bounded parallelism via SetLimit.</p>
<p>When each stage of a pipeline owns its workers, shutdown becomes a matter of cancelling one context
and waiting for the group, rather than chasing stray goroutines through the program.</p>
</article>
</body></html>`

type mapCache struct {
	pages map[string]*Page
	puts  int
}

func (m *mapCache) Get(url string) (*Page, bool) {
	p, ok := m.pages[url]
	return p, ok
}

func (m *mapCache) Put(p *Page) {
	m.puts++
	m.pages[p.URL] = p
}

func TestFetch_HTMLArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), nil, nil)
	p, err := f.Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)

	assert.Equal(t, TypeArticle, p.ContentType)
	assert.Contains(t, p.Title, "Structured Concurrency")
	assert.Contains(t, p.Content, "errgroup package")
	assert.Equal(t, srv.URL+"/post", p.ResolvedURL)
}

func TestFetch_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/long", http.StatusFound)
	})
	mux.HandleFunc("/long", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain body"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := NewHTTPFetcher(srv.Client(), nil, nil).Fetch(context.Background(), srv.URL+"/short")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/short", p.URL)
	assert.Equal(t, srv.URL+"/long", p.ResolvedURL)
	assert.Equal(t, "plain body", p.Content)
	assert.Equal(t, TypeOther, p.ContentType)
}

func TestFetch_CapsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("a", MaxContentChars*2)))
	}))
	defer srv.Close()

	p, err := NewHTTPFetcher(srv.Client(), nil, nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, p.Content, MaxContentChars)
}

func TestFetch_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   insighterrors.ErrorKind
	}{
		{http.StatusNotFound, insighterrors.ErrNotFound},
		{http.StatusGone, insighterrors.ErrNotFound},
		{http.StatusTooManyRequests, insighterrors.ErrRateLimited},
		{http.StatusBadGateway, insighterrors.ErrTransient},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewHTTPFetcher(srv.Client(), nil, nil).Fetch(context.Background(), srv.URL)
		srv.Close()
		assert.True(t, insighterrors.Is(err, tt.kind), "status %d: %v", tt.status, err)
	}
}

func TestFetch_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(&http.Client{Timeout: time.Second}, nil, nil).Fetch(context.Background(), addr)
	assert.True(t, insighterrors.Is(err, insighterrors.ErrTransient), "got %v", err)
}

func TestFetch_UsesCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	cache := &mapCache{pages: map[string]*Page{}}
	f := NewHTTPFetcher(srv.Client(), cache, nil)

	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, cache.puts)
}

func TestSQLiteCache(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	now := time.Unix(1_700_000_000, 0)
	c := NewSQLiteCache(database, 24*time.Hour, nil)
	c.now = func() time.Time { return now }

	c.Put(&Page{URL: "https://a.dev", ResolvedURL: "https://a.dev/", Title: "A", Content: "x", ContentType: TypeArticle})
	p, ok := c.Get("https://a.dev")
	require.True(t, ok)
	assert.Equal(t, "A", p.Title)

	now = now.Add(48 * time.Hour)
	_, ok = c.Get("https://a.dev")
	assert.False(t, ok, "entry should be expired")

	n, err := c.Purge()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClassify(t *testing.T) {
	mustParse := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}
	assert.Equal(t, TypeRepo, Classify(mustParse("https://github.com/a/b"), "text/html"))
	assert.Equal(t, TypeVideo, Classify(mustParse("https://www.youtube.com/watch?v=x"), "text/html"))
	assert.Equal(t, TypeTool, Classify(mustParse("https://pkg.go.dev/golang.org/x/sync"), "text/html"))
	assert.Equal(t, TypeArticle, Classify(mustParse("https://blog.dev/p"), "text/html"))
	assert.Equal(t, TypeOther, Classify(mustParse("https://blog.dev/p.pdf"), "application/pdf"))
}

func TestVideoID(t *testing.T) {
	assert.Equal(t, "abc", VideoID("https://www.youtube.com/watch?v=abc&t=10"))
	assert.Equal(t, "abc", VideoID("https://youtu.be/abc"))
	assert.Equal(t, "abc", VideoID("https://youtube.com/shorts/abc"))
	assert.Equal(t, "", VideoID("https://vimeo.com/1"))
}

func TestTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("v"))
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(`<?xml version="1.0"?><transcript><text start="0">Hello &amp;amp; welcome</text><text start="1">to the talk</text></transcript>`))
	}))
	defer srv.Close()

	y := NewYouTubeTranscripts(srv.Client(), nil)
	y.baseURL = srv.URL

	text, err := y.Transcript(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)
	assert.Equal(t, "Hello & welcome to the talk", text)
}

func TestTranscript_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(``))
	}))
	defer srv.Close()

	y := NewYouTubeTranscripts(srv.Client(), nil)
	y.baseURL = srv.URL

	_, err := y.Transcript(context.Background(), "https://youtu.be/abc")
	assert.True(t, insighterrors.Is(err, insighterrors.ErrNotFound))
}
