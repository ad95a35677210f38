package fetch

import (
	"context"
	"encoding/xml"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
)

const defaultTimedTextURL = "https://www.youtube.com/api/timedtext"

// YouTubeTranscripts fetches caption tracks from the timedtext endpoint.
type YouTubeTranscripts struct {
	client  *http.Client
	baseURL string
	lang    string
	logger  *slog.Logger
}

// NewYouTubeTranscripts returns a transcript fetcher for English captions.
func NewYouTubeTranscripts(client *http.Client, l *slog.Logger) *YouTubeTranscripts {
	if client == nil {
		client = http.DefaultClient
	}
	return &YouTubeTranscripts{
		client:  client,
		baseURL: defaultTimedTextURL,
		lang:    "en",
		logger:  logger.OrDiscard(l).With("component", "transcript"),
	}
}

type timedText struct {
	Texts []struct {
		Body string `xml:",chardata"`
	} `xml:"text"`
}

// Transcript returns the caption text of videoURL joined by spaces.
func (y *YouTubeTranscripts) Transcript(ctx context.Context, videoURL string) (string, error) {
	id := VideoID(videoURL)
	if id == "" {
		return "", insighterrors.NewNotFound("video id in " + videoURL)
	}

	q := url.Values{"v": {id}, "lang": {y.lang}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", insighterrors.NewMalformed("transcript request", err)
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return "", classifyTransportError(videoURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", insighterrors.FromHTTPStatus(resp.StatusCode, videoURL)
	}

	var tt timedText
	if err := xml.NewDecoder(resp.Body).Decode(&tt); err != nil {
		return "", insighterrors.NewNotFound("transcript for " + id)
	}

	parts := make([]string, 0, len(tt.Texts))
	for _, t := range tt.Texts {
		s := strings.TrimSpace(html.UnescapeString(t.Body))
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", insighterrors.NewNotFound("transcript for " + id)
	}
	y.logger.Debug("fetched transcript", "video_id", id, "segments", len(parts))
	return strings.Join(parts, " "), nil
}

// VideoID extracts the YouTube video id from a watch, short, embed or youtu.be URL.
func VideoID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		return strings.Trim(u.Path, "/")
	case "youtube.com", "m.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		for _, prefix := range []string{"/shorts/", "/embed/", "/live/"} {
			if strings.HasPrefix(u.Path, prefix) {
				return strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
			}
		}
	}
	return ""
}
