package note

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/insight/internal/bookmark"
	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/state"
)

const legacyNote = `---
title: Old note
author: "@carol"
tweet_date: "2023-11-05 08:00:00"
bookmark_id: "77"
---

# Old note

## Content

**@carol** wrote:

The real post text.
Second line with https://blog.example.com/post

### Media

## Links

- [Docs](https://docs.example.com/v2)
- [Self](https://x.com/carol/status/77)
- [mail](mailto:carol@example.com)
`

func TestParseLegacy(t *testing.T) {
	l, err := ParseLegacy([]byte(legacyNote), "77")
	require.NoError(t, err)

	assert.Equal(t, "carol", l.Author)
	assert.Equal(t, "2023-11-05 08:00:00", l.TweetDate)
	assert.Equal(t, "The real post text.\nSecond line with https://blog.example.com/post", l.Text)
	assert.Equal(t, []string{"https://blog.example.com/post", "https://docs.example.com/v2"}, l.Links)
}

func TestParseLegacy_NoContentSection(t *testing.T) {
	l, err := ParseLegacy([]byte("# Title\n\njust a body\n"), "1")
	require.NoError(t, err)
	assert.Empty(t, l.Text)
	assert.Empty(t, l.Author)
}

type mapLookup map[string]*state.Record

func (m mapLookup) Get(id string) (*state.Record, bool) {
	r, ok := m[id]
	return r, ok
}

func TestLegacyEnricher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Old note.md")
	require.NoError(t, os.WriteFile(path, []byte(legacyNote), 0644))

	e := NewLegacyEnricher(mapLookup{"77": {OutputLocation: path}}, nil)
	bm := &bookmark.Bookmark{ID: "77", AuthorUsername: "unknown", Links: []string{"https://docs.example.com/v2"}}
	require.NoError(t, e.Enrich(context.Background(), bm))

	assert.Equal(t, "carol", bm.AuthorUsername)
	assert.Equal(t, "2023-11-05 08:00:00", bm.CreatedAt)
	assert.Contains(t, bm.Text, "The real post text.")
	assert.Equal(t, []string{"https://docs.example.com/v2", "https://blog.example.com/post"}, bm.Links)
}

func TestLegacyEnricher_Missing(t *testing.T) {
	e := NewLegacyEnricher(mapLookup{"1": {OutputLocation: "/nonexistent/note.md"}}, nil)

	err := e.Enrich(context.Background(), &bookmark.Bookmark{ID: "2"})
	assert.True(t, insighterrors.Is(err, insighterrors.ErrNotFound))

	err = e.Enrich(context.Background(), &bookmark.Bookmark{ID: "1"})
	assert.True(t, insighterrors.Is(err, insighterrors.ErrNotFound))
}
