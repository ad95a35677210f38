package note

import (
	"context"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/hpungsan/insight/internal/bookmark"
	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/fsutil"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/state"
)

// Legacy is what can be recovered from a previously written note.
type Legacy struct {
	Author    string
	TweetDate string
	Text      string
	Links     []string
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify))

// contentSections are tried in order for the post text.
var contentSections = []string{"Content", "Original Content"}

// ParseLegacy extracts author, date, post text and outbound links from a
// note. Links pointing back at the bookmark itself (/status/<id>) are skipped.
func ParseLegacy(data []byte, id string) (*Legacy, error) {
	fm, body, err := SplitFrontmatter(data)
	if err != nil {
		return nil, insighterrors.NewMalformed("legacy note", err)
	}
	l := &Legacy{}
	if fm != nil {
		l.Author = strings.Trim(strings.TrimSpace(fm.Author), `'"@`)
		l.TweetDate = strings.TrimSpace(fm.TweetDate)
	}

	src := string(body)
	for _, name := range contentSections {
		section, ok := SectionContent(src, name)
		if !ok || isPlaceholder(section) {
			continue
		}
		var lines []string
		for _, line := range strings.Split(section, "\n") {
			if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "**") || strings.HasPrefix(line, "### ") {
				continue
			}
			lines = append(lines, line)
		}
		l.Text = strings.TrimSpace(strings.Join(lines, "\n"))
		if l.Text != "" {
			break
		}
	}

	l.Links = bodyLinks(body, id)
	return l, nil
}

// bodyLinks walks the markdown AST for link and autolink destinations.
func bodyLinks(body []byte, id string) []string {
	doc := markdown.Parser().Parse(text.NewReader(body))
	self := "/status/" + id
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] || !bookmark.IsSafeURL(u) || (id != "" && strings.Contains(u, self)) {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Link:
			add(string(node.Destination))
		case *ast.AutoLink:
			add(string(node.URL(body)))
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return out
}

// RecordLookup finds processing records by id.
type RecordLookup interface {
	Get(id string) (*state.Record, bool)
}

// LegacyEnricher fills empty bookmarks from the note a record points at.
type LegacyEnricher struct {
	records RecordLookup
	logger  *slog.Logger
}

// NewLegacyEnricher reads output locations from records.
func NewLegacyEnricher(records RecordLookup, l *slog.Logger) *LegacyEnricher {
	return &LegacyEnricher{records: records, logger: logger.OrDiscard(l).With("component", "legacy")}
}

// Enrich implements capture.Enricher.
func (e *LegacyEnricher) Enrich(_ context.Context, bm *bookmark.Bookmark) error {
	rec, ok := e.records.Get(bm.ID)
	if !ok || rec.OutputLocation == "" {
		return insighterrors.NewNotFound("legacy note for " + bm.ID)
	}
	data, err := fsutil.ReadFile(rec.OutputLocation)
	if err != nil {
		return insighterrors.NewNotFound(rec.OutputLocation)
	}
	legacy, err := ParseLegacy(data, bm.ID)
	if err != nil {
		return err
	}

	if legacy.Author != "" && (bm.AuthorUsername == "" || bm.AuthorUsername == "unknown") {
		bm.AuthorUsername = legacy.Author
		bm.AuthorName = legacy.Author
	}
	if legacy.TweetDate != "" {
		bm.CreatedAt = legacy.TweetDate
	}
	if bm.Text == "" {
		bm.Text = legacy.Text
	}
	known := make(map[string]bool, len(bm.Links))
	for _, u := range bm.Links {
		known[u] = true
	}
	for _, u := range legacy.Links {
		if !known[u] {
			bm.Links = append(bm.Links, u)
		}
	}
	e.logger.Info("enriched from legacy note", "item_id", bm.ID, "chars", len(bm.Text))
	return nil
}
