// Package note defines distilled notes and writes them as markdown files.
package note

import (
	"strings"

	"github.com/go-playground/validator/v10"

	insighterrors "github.com/hpungsan/insight/internal/errors"
)

// Category is the closed set of note kinds.
type Category string

const (
	Technique   Category = "technique"
	Perspective Category = "perspective"
	Tool        Category = "tool"
	Resource    Category = "resource"
	Tip         Category = "tip"
	Signal      Category = "signal"
	Reference   Category = "reference"
)

// Categories lists every valid category in prompt order.
var Categories = []Category{Technique, Perspective, Tool, Resource, Tip, Signal, Reference}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Section is one headed block of a note body.
type Section struct {
	Heading string `json:"heading" validate:"required"`
	Content string `json:"content"`
}

// Note is the distilled form of one bookmark.
type Note struct {
	Category        Category  `json:"category" validate:"required"`
	Title           string    `json:"title" validate:"required"`
	Sections        []Section `json:"sections" validate:"min=1,dive"`
	Tags            []string  `json:"tags"`
	OriginalContent string    `json:"original_content"`
}

var validate = validator.New()

// Validate checks the note and normalizes its title and tags in place.
func (n *Note) Validate() error {
	n.Category = Category(strings.ToLower(strings.TrimSpace(string(n.Category))))
	n.Title = strings.TrimSpace(n.Title)
	for i := range n.Sections {
		n.Sections[i].Heading = strings.TrimSpace(n.Sections[i].Heading)
	}
	n.Tags = normalizeTags(n.Tags)

	if err := validate.Struct(n); err != nil {
		return insighterrors.NewMalformed("invalid note", err)
	}
	if !n.Category.Valid() {
		return insighterrors.NewMalformed("unknown category "+string(n.Category), nil)
	}
	return nil
}

// normalizeTags strips a leading "#", joins inner whitespace with dashes and drops duplicates.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		t = strings.Join(strings.Fields(t), "-")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
