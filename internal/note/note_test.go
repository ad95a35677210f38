package note

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	insighterrors "github.com/hpungsan/insight/internal/errors"
)

func validNote() *Note {
	return &Note{
		Category:        Tip,
		Title:           "Pin your toolchain",
		Sections:        []Section{{Heading: "The Knowledge", Content: "Use a toolchain line."}},
		Tags:            []string{"go", "tooling"},
		OriginalContent: "pin it",
	}
}

func TestValidate_OK(t *testing.T) {
	n := validNote()
	n.Category = " TIP "
	n.Tags = []string{"#go", "go", " build tools ", ""}
	require.NoError(t, n.Validate())
	assert.Equal(t, Tip, n.Category)
	assert.Equal(t, []string{"go", "build-tools"}, n.Tags)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(n *Note)
	}{
		{"unknown category", func(n *Note) { n.Category = "meme" }},
		{"empty category", func(n *Note) { n.Category = "" }},
		{"empty title", func(n *Note) { n.Title = "  " }},
		{"no sections", func(n *Note) { n.Sections = nil }},
		{"blank heading", func(n *Note) { n.Sections[0].Heading = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := validNote()
			tt.mutate(n)
			err := n.Validate()
			assert.True(t, insighterrors.Is(err, insighterrors.ErrMalformed), "got %v", err)
		})
	}
}

func TestCategoryValid(t *testing.T) {
	for _, c := range Categories {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("other").Valid())
	assert.Len(t, Categories, 7)
}

func TestParseHeadings_IgnoresFences(t *testing.T) {
	doc := "# Title\n\n## A\n\nbody\n\n```\n## not a heading\n```\n\n### A.1\n\nnested\n\n## B\n\nlast\n"
	hs := ParseHeadings(doc)
	require.Len(t, hs, 4)
	assert.Equal(t, "A", hs[1].Name)
	assert.Equal(t, 2, hs[1].Level)
	assert.Equal(t, "A.1", hs[2].Name)

	a, ok := SectionContent(doc, "a")
	require.True(t, ok)
	assert.Contains(t, a, "## not a heading")
	assert.Contains(t, a, "nested")
	assert.NotContains(t, a, "last")

	_, ok = SectionContent(doc, "missing")
	assert.False(t, ok)
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, isPlaceholder(" (none) "))
	assert.True(t, isPlaceholder(""))
	assert.True(t, isPlaceholder("TBD"))
	assert.False(t, isPlaceholder("real content"))
}
