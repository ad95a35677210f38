package bookmark

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	insighterrors "github.com/hpungsan/insight/internal/errors"
)

// exportItem is one entry of a Twillot JSON export.
type exportItem struct {
	TweetID        flexString        `json:"tweet_id"`
	URL            string            `json:"url"`
	FullText       *string           `json:"full_text"`
	ScreenName     string            `json:"screen_name"`
	Username       string            `json:"username"`
	UserID         flexString        `json:"user_id"`
	CreatedAt      string            `json:"created_at"`
	MediaItems     []json.RawMessage `json:"media_items"`
	ConversationID flexString        `json:"conversation_id"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = flexString(n.String())
	return nil
}

// ReadExportFile parses a Twillot export file.
func ReadExportFile(path string) ([]Bookmark, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, insighterrors.NewNotFound(path)
		}
		return nil, err
	}
	defer f.Close()
	return ReadExport(f)
}

// ReadExport parses a Twillot export array into bookmarks ordered oldest first.
// Entries without created_at keep their relative order ahead of dated entries.
func ReadExport(r io.Reader) ([]Bookmark, error) {
	var items []exportItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, insighterrors.NewMalformed("invalid export JSON", err)
	}

	bookmarks := make([]Bookmark, 0, len(items))
	for i, item := range items {
		bm, err := item.toBookmark()
		if err != nil {
			return nil, insighterrors.NewMalformed(fmt.Sprintf("bookmark at index %d", i), err)
		}
		bookmarks = append(bookmarks, bm)
	}

	sort.SliceStable(bookmarks, func(i, j int) bool {
		return ParseTime(bookmarks[i].CreatedAt).Before(ParseTime(bookmarks[j].CreatedAt))
	})
	return bookmarks, nil
}

func (item exportItem) toBookmark() (Bookmark, error) {
	switch {
	case item.TweetID == "":
		return Bookmark{}, errors.New("missing tweet_id")
	case item.URL == "":
		return Bookmark{}, errors.New("missing url")
	case item.FullText == nil:
		return Bookmark{}, errors.New("missing full_text")
	case item.ScreenName == "":
		return Bookmark{}, errors.New("missing screen_name")
	}

	text := *item.FullText
	bm := Bookmark{
		ID:             string(item.TweetID),
		URL:            item.URL,
		Text:           text,
		AuthorUsername: item.ScreenName,
		AuthorName:     item.Username,
		AuthorID:       string(item.UserID),
		CreatedAt:      item.CreatedAt,
		ConversationID: string(item.ConversationID),
		MediaURLs:      mediaURLs(item.MediaItems),
		Links:          ExtractLinks(text),
	}
	if bm.ConversationID != "" && bm.ConversationID == bm.ID {
		bm.IsThread = true
	}
	return bm, nil
}

// mediaURLs accepts either plain URL strings or objects carrying a url field.
func mediaURLs(raw []json.RawMessage) []string {
	var urls []string
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			if s != "" {
				urls = append(urls, s)
			}
			continue
		}
		var obj struct {
			URL           string `json:"url"`
			MediaURLHTTPS string `json:"media_url_https"`
		}
		if err := json.Unmarshal(r, &obj); err == nil {
			if obj.MediaURLHTTPS != "" {
				urls = append(urls, obj.MediaURLHTTPS)
			} else if obj.URL != "" {
				urls = append(urls, obj.URL)
			}
		}
	}
	return urls
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	time.RubyDate,
	"2006-01-02",
}

// ParseTime parses the date formats seen in exports and API responses.
// Returns the zero time when s matches none of them.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
