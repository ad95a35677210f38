package fetch

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/hpungsan/insight/internal/db"
	"github.com/hpungsan/insight/internal/logger"
)

// SQLiteCache is a link cache backed by the insight database.
// Lookup and store failures are logged and treated as misses.
type SQLiteCache struct {
	database *sql.DB
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSQLiteCache returns a cache whose entries expire after ttl.
func NewSQLiteCache(database *sql.DB, ttl time.Duration, l *slog.Logger) *SQLiteCache {
	return &SQLiteCache{
		database: database,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.OrDiscard(l).With("component", "link_cache"),
	}
}

// Get returns an unexpired cached page for url.
func (c *SQLiteCache) Get(url string) (*Page, bool) {
	l, ok, err := db.GetLink(c.database, url, c.ttl, c.now())
	if err != nil {
		c.logger.Warn("link cache lookup failed", "url", url, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &Page{
		URL:         l.URL,
		ResolvedURL: l.ResolvedURL,
		Title:       l.Title,
		Content:     l.Content,
		ContentType: l.ContentType,
	}, true
}

// Put stores p.
func (c *SQLiteCache) Put(p *Page) {
	err := db.PutLink(c.database, &db.CachedLink{
		URL:         p.URL,
		ResolvedURL: p.ResolvedURL,
		Title:       p.Title,
		Content:     p.Content,
		ContentType: p.ContentType,
		FetchedAt:   c.now().Unix(),
	})
	if err != nil {
		c.logger.Warn("link cache store failed", "url", p.URL, "error", err)
	}
}

// Purge removes entries older than the TTL and returns how many were removed.
func (c *SQLiteCache) Purge() (int64, error) {
	return db.PurgeLinks(c.database, c.now().Add(-c.ttl))
}
