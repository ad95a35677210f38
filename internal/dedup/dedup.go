// Package dedup filters out bookmarks that already have processing state.
package dedup

import (
	"log/slog"
	"sync"

	"github.com/hpungsan/insight/internal/bookmark"
	"github.com/hpungsan/insight/internal/logger"
)

// Lookup reports whether an id already has a processing record.
type Lookup interface {
	IsProcessed(id string) bool
}

// Stats counts deduplication outcomes. Unique + Duplicates == Checked.
type Stats struct {
	Checked    int `json:"checked"`
	Duplicates int `json:"duplicates"`
	Unique     int `json:"unique"`
}

// DuplicateRate returns duplicates as a percentage of checked items.
func (s Stats) DuplicateRate() float64 {
	if s.Checked == 0 {
		return 0
	}
	return float64(s.Duplicates) / float64(s.Checked) * 100
}

// Deduplicator drops items whose id is already known to the state store.
// Any record counts, including failed ones; those go through review retry.
type Deduplicator struct {
	lookup Lookup
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New returns a deduplicator backed by lookup.
func New(lookup Lookup, l *slog.Logger) *Deduplicator {
	return &Deduplicator{
		lookup: lookup,
		logger: logger.OrDiscard(l).With("component", "dedup"),
	}
}

// IsDuplicate reports whether bm already has state. Counters are not touched.
func (d *Deduplicator) IsDuplicate(bm bookmark.Bookmark) bool {
	return d.lookup.IsProcessed(bm.ID)
}

// Filter returns the items that are not duplicates, in input order.
// A repeated id within one batch counts as a duplicate after its first occurrence.
func (d *Deduplicator) Filter(items []bookmark.Bookmark) []bookmark.Bookmark {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(items))
	unique := make([]bookmark.Bookmark, 0, len(items))
	for _, bm := range items {
		d.stats.Checked++
		if seen[bm.ID] || d.IsDuplicate(bm) {
			d.stats.Duplicates++
			d.logger.Debug("skipping duplicate", "item_id", bm.ID, "author", bm.AuthorUsername)
			continue
		}
		seen[bm.ID] = true
		d.stats.Unique++
		unique = append(unique, bm)
	}

	d.logger.Info("deduplication complete",
		"checked", d.stats.Checked,
		"duplicates", d.stats.Duplicates,
		"unique", d.stats.Unique)
	return unique
}

// Stats returns cumulative counts since construction or the last reset.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ResetStats zeroes the counters.
func (d *Deduplicator) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = Stats{}
}
