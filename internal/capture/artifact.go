// Package capture gathers everything a bookmark points to into a durable artifact.
package capture

import (
	"time"

	"github.com/hpungsan/insight/internal/textutil"
)

// SchemaVersion is the artifact format version written to disk.
const SchemaVersion = 1

// Source names used as keys of Artifact.SourceErrors.
const (
	SourceThread     = "thread"
	SourceTranscript = "transcript"
	SourceQuoted     = "quoted"
	SourceEnrich     = "enrich"
)

// ThreadSegment is one post of an expanded thread.
type ThreadSegment struct {
	Order     int      `json:"order"`
	Text      string   `json:"text"`
	Links     []string `json:"links,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// ResolvedLink is a fetched URL. FetchError is set when the fetch failed.
type ResolvedLink struct {
	OriginalURL string `json:"original_url"`
	ResolvedURL string `json:"resolved_url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type"`
	FetchError  string `json:"fetch_error,omitempty"`
}

// AnalyzedImage is a described image, plus any source URL the description revealed.
type AnalyzedImage struct {
	URL              string `json:"url"`
	Description      string `json:"description"`
	SecondarySource  string `json:"secondary_source,omitempty"`
	SecondaryContent string `json:"secondary_content,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Artifact is the persisted capture of one bookmark.
type Artifact struct {
	SchemaVersion  int             `json:"schema_version"`
	ItemID         string          `json:"item_id"`
	PrimaryText    string          `json:"primary_text"`
	AuthorName     string          `json:"author_name"`
	AuthorUsername string          `json:"author_username"`
	SourceURL      string          `json:"source_url"`
	CreatedAt      time.Time       `json:"created_at"`
	Thread         []ThreadSegment `json:"thread,omitempty"`
	Links          []ResolvedLink  `json:"links,omitempty"`
	Images         []AnalyzedImage `json:"images,omitempty"`
	Transcript     string          `json:"transcript,omitempty"`

	// Quoted is captured one level deep; its own Quoted is always nil.
	Quoted *Artifact `json:"quoted,omitempty"`

	SourceErrors      map[string]string `json:"source_errors,omitempty"`
	CapturedAt        time.Time         `json:"captured_at"`
	CaptureDurationMS int64             `json:"capture_duration_ms"`
	TokenEstimate     int               `json:"token_estimate"`
	Truncated         bool              `json:"truncated,omitempty"`
}

// parts returns every text field that counts toward the size estimate.
func (a *Artifact) parts() []string {
	parts := []string{a.PrimaryText}
	for _, s := range a.Thread {
		parts = append(parts, s.Text)
	}
	for _, l := range a.Links {
		parts = append(parts, l.Content, l.Title)
	}
	for _, img := range a.Images {
		parts = append(parts, img.Description, img.SecondaryContent)
	}
	parts = append(parts, a.Transcript)
	if a.Quoted != nil {
		parts = append(parts, a.Quoted.PrimaryText)
	}
	return parts
}

// Recompute refreshes TokenEstimate from the current contents and returns it.
func (a *Artifact) Recompute() int {
	a.TokenEstimate = textutil.EstimateTokensAll(a.parts()...)
	return a.TokenEstimate
}

// recordSourceError notes a failed source without failing the capture.
func (a *Artifact) recordSourceError(source string, err error) {
	if a.SourceErrors == nil {
		a.SourceErrors = make(map[string]string)
	}
	a.SourceErrors[source] = err.Error()
}

// KnownURLs returns every original and resolved link URL.
func (a *Artifact) KnownURLs() map[string]bool {
	known := make(map[string]bool, len(a.Links)*2)
	for _, l := range a.Links {
		known[l.OriginalURL] = true
		known[l.ResolvedURL] = true
	}
	return known
}
