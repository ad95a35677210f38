// Package bookmark defines the input bookmark model and the export reader.
package bookmark

import (
	"net/url"
	"regexp"
	"strings"
)

// Bookmark is one saved social-media post to be processed.
type Bookmark struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	Text           string   `json:"text"`
	AuthorUsername string   `json:"author_username"`
	AuthorName     string   `json:"author_name,omitempty"`
	AuthorID       string   `json:"author_id,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	IsThread       bool     `json:"is_thread,omitempty"`
	MediaURLs      []string `json:"media_urls,omitempty"`
	VideoURLs      []string `json:"video_urls,omitempty"`
	Links          []string `json:"links,omitempty"`

	// Quoted is the quoted post, if known. Only one level is followed.
	Quoted *Bookmark `json:"quoted,omitempty"`
}

// PostURL returns the bookmark URL, or a canonical x.com status URL when unset.
func (b *Bookmark) PostURL() string {
	if b.URL != "" {
		return b.URL
	}
	user := b.AuthorUsername
	if user == "" {
		user = "i"
	}
	return "https://x.com/" + user + "/status/" + b.ID
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

var shortenerPattern = regexp.MustCompile(`^https?://t\.co/`)

// ExtractLinks returns http(s) URLs found in text, excluding t.co redirects.
func ExtractLinks(text string) []string {
	var links []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?)")
		if shortenerPattern.MatchString(u) {
			continue
		}
		links = append(links, u)
	}
	return links
}

// IsSafeURL reports whether raw is an absolute http or https URL.
func IsSafeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CollectURLs merges URLs from text and extra into one order-preserving,
// duplicate-free list of safe URLs.
func CollectURLs(text string, extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] || !IsSafeURL(u) {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, u := range ExtractLinks(text) {
		add(u)
	}
	for _, u := range extra {
		add(u)
	}
	return out
}

// IsVideoURL reports whether raw points at a video host with transcripts.
func IsVideoURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "youtu.be":
		return true
	}
	return false
}
