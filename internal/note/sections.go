package note

import (
	"regexp"
	"strings"
)

// Heading is a markdown ATX heading found outside fenced code.
type Heading struct {
	Level        int
	Name         string
	Start        int // byte offset of the heading line
	ContentStart int // byte offset after the heading line
	ContentEnd   int // next heading of the same or higher level, or EOF
}

var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+([^\n]+?)[ \t]*$`)

var fenceLine = regexp.MustCompile("(?m)^[ ]{0,3}(`{3,}|~{3,})")

// fencedRanges pairs opening and closing fences. A closing fence uses the
// same character and is at least as long as the opener.
func fencedRanges(text string) [][2]int {
	matches := fenceLine.FindAllStringSubmatchIndex(text, -1)
	if len(matches) < 2 {
		return nil
	}
	var (
		ranges    [][2]int
		openChar  byte
		openLen   int
		openStart int
		inFence   bool
	)
	for _, m := range matches {
		chars := text[m[2]:m[3]]
		switch {
		case !inFence:
			openChar, openLen, openStart, inFence = chars[0], len(chars), m[0], true
		case chars[0] == openChar && len(chars) >= openLen:
			ranges = append(ranges, [2]int{openStart, m[1]})
			inFence = false
		}
	}
	return ranges
}

func inside(pos int, ranges [][2]int) bool {
	for _, r := range ranges {
		if pos >= r[0] && pos < r[1] {
			return true
		}
	}
	return false
}

// ParseHeadings returns every heading in text in document order.
func ParseHeadings(text string) []Heading {
	fences := fencedRanges(text)
	var hs []Heading
	for _, m := range headingPattern.FindAllStringSubmatchIndex(text, -1) {
		if inside(m[0], fences) {
			continue
		}
		start := m[1]
		if start < len(text) && text[start] == '\n' {
			start++
		}
		hs = append(hs, Heading{
			Level:        m[3] - m[2],
			Name:         text[m[4]:m[5]],
			Start:        m[0],
			ContentStart: start,
		})
	}
	for i := range hs {
		hs[i].ContentEnd = len(text)
		for j := i + 1; j < len(hs); j++ {
			if hs[j].Level <= hs[i].Level {
				hs[i].ContentEnd = hs[j].Start
				break
			}
		}
	}
	return hs
}

// SectionContent returns the body under the first heading named name
// (case-insensitive), including nested subheadings.
func SectionContent(text, name string) (string, bool) {
	for _, h := range ParseHeadings(text) {
		if strings.EqualFold(strings.TrimSpace(h.Name), name) {
			return text[h.ContentStart:h.ContentEnd], true
		}
	}
	return "", false
}

var placeholders = map[string]bool{
	"(pending)": true, "(none)": true, "(empty)": true, "(tbd)": true, "(n/a)": true,
	"tbd": true, "n/a": true, "none": true, "pending": true, "-": true,
}

// isPlaceholder reports whether content carries no information.
func isPlaceholder(content string) bool {
	c := strings.ToLower(strings.TrimSpace(content))
	return c == "" || placeholders[c]
}
