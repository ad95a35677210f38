package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	insighterrors "github.com/hpungsan/insight/internal/errors"
)

// CachedLink is a fetched page stored in the link cache.
type CachedLink struct {
	URL         string
	ResolvedURL string
	Title       string
	Content     string
	ContentType string
	FetchedAt   int64
}

// Run is one recorded batch run.
type Run struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Source     *string `json:"source,omitempty"`
	StartedAt  int64   `json:"started_at"`
	FinishedAt *int64  `json:"finished_at,omitempty"`
	Checked    int     `json:"checked"`
	Duplicates int     `json:"duplicates"`
	Processed  int     `json:"processed"`
	Skipped    int     `json:"skipped"`
	Failed     int     `json:"failed"`
	Error      *string `json:"error,omitempty"`
}

// URLKey returns the cache key for url: the first 16 hex chars of its SHA-256.
func URLKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}

// GetLink returns the cached page for url if it was fetched within ttl of now.
// Expired entries are reported as missing.
func GetLink(db *sql.DB, url string, ttl time.Duration, now time.Time) (*CachedLink, bool, error) {
	query := `
		SELECT url, resolved_url, title, content, content_type, fetched_at
		FROM link_cache WHERE url_hash = ?
	`
	var (
		l       CachedLink
		title   sql.NullString
		content sql.NullString
	)
	err := db.QueryRow(query, URLKey(url)).Scan(&l.URL, &l.ResolvedURL, &title, &content, &l.ContentType, &l.FetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, insighterrors.NewInternal(err)
	}
	// Hash prefix collisions are treated as misses.
	if l.URL != url {
		return nil, false, nil
	}
	if now.Sub(time.Unix(l.FetchedAt, 0)) > ttl {
		return nil, false, nil
	}
	l.Title = title.String
	l.Content = content.String
	return &l, true, nil
}

// PutLink stores or replaces the cache entry for l.URL.
func PutLink(db *sql.DB, l *CachedLink) error {
	query := `
		INSERT INTO link_cache (url_hash, url, resolved_url, title, content, content_type, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			url = excluded.url,
			resolved_url = excluded.resolved_url,
			title = excluded.title,
			content = excluded.content,
			content_type = excluded.content_type,
			fetched_at = excluded.fetched_at
	`
	_, err := db.Exec(query,
		URLKey(l.URL), l.URL, l.ResolvedURL,
		toNullString(l.Title), toNullString(l.Content),
		l.ContentType, l.FetchedAt,
	)
	if err != nil {
		return insighterrors.NewInternal(err)
	}
	return nil
}

// PurgeLinks deletes cache entries fetched before cutoff. Returns the number removed.
func PurgeLinks(db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM link_cache WHERE fetched_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, insighterrors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, insighterrors.NewInternal(err)
	}
	return n, nil
}

// CountLinks returns the number of cache entries.
func CountLinks(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM link_cache`).Scan(&n); err != nil {
		return 0, insighterrors.NewInternal(err)
	}
	return n, nil
}

// InsertRun records the start of a run.
func InsertRun(db *sql.DB, id, kind, source string, startedAt int64) error {
	_, err := db.Exec(
		`INSERT INTO runs (id, kind, source, started_at) VALUES (?, ?, ?, ?)`,
		id, kind, toNullString(source), startedAt,
	)
	if err != nil {
		return insighterrors.NewInternal(err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func FinishRun(db *sql.DB, r *Run) error {
	query := `
		UPDATE runs SET finished_at = ?, checked = ?, duplicates = ?, processed = ?,
			skipped = ?, failed = ?, error = ?
		WHERE id = ?
	`
	var runErr sql.NullString
	if r.Error != nil {
		runErr = sql.NullString{String: *r.Error, Valid: true}
	}
	res, err := db.Exec(query, r.FinishedAt, r.Checked, r.Duplicates, r.Processed, r.Skipped, r.Failed, runErr, r.ID)
	if err != nil {
		return insighterrors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return insighterrors.NewInternal(err)
	}
	if n == 0 {
		return insighterrors.NewNotFound(r.ID)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func ListRuns(db *sql.DB, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, kind, source, started_at, finished_at, checked, duplicates, processed, skipped, failed, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, insighterrors.NewInternal(err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			source   sql.NullString
			finished sql.NullInt64
			runErr   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &source, &r.StartedAt, &finished,
			&r.Checked, &r.Duplicates, &r.Processed, &r.Skipped, &r.Failed, &runErr); err != nil {
			return nil, insighterrors.NewInternal(err)
		}
		r.Source = fromNullString(source)
		if finished.Valid {
			v := finished.Int64
			r.FinishedAt = &v
		}
		r.Error = fromNullString(runErr)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, insighterrors.NewInternal(err)
	}
	return runs, nil
}

// toNullString converts an empty string to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
