// Package textutil holds small text helpers shared by capture, distill and note rendering.
package textutil

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize trims, lowercases, and collapses internal whitespace to single spaces.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// EstimateTokens estimates token count using a word-based heuristic
// (1.3 tokens per whitespace-separated word, rounded up).
func EstimateTokens(text string) int {
	words := strings.Fields(text)
	return int(math.Ceil(float64(len(words)) * 1.3))
}

// EstimateTokensAll estimates the tokens of parts joined by newlines.
func EstimateTokensAll(parts ...string) int {
	words := 0
	for _, p := range parts {
		words += len(strings.Fields(p))
	}
	return int(math.Ceil(float64(words) * 1.3))
}

// TruncateChars returns the first n runes of s, or s when it is not longer.
func TruncateChars(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// fencePattern matches a fenced code block delimiter line, optionally with a language tag.
var fencePattern = regexp.MustCompile("(?m)^[ ]{0,3}(`{3,}|~{3,})[^\\n]*$")

// StripCodeFences removes a surrounding fenced code block from s, if present.
// Text outside the outermost fence pair is discarded.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	locs := fencePattern.FindAllStringIndex(s, -1)
	if len(locs) < 2 {
		return s
	}
	first, last := locs[0], locs[len(locs)-1]
	inner := s[first[1]:last[0]]
	return strings.TrimSpace(inner)
}
