// Package xapi reads posts and threads from the X API v2.
package xapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hpungsan/insight/internal/bookmark"
	"github.com/hpungsan/insight/internal/capture"
	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
)

// DefaultBaseURL is the X API v2 root.
const DefaultBaseURL = "https://api.twitter.com/2"

// requestTimeout caps a single API request.
const requestTimeout = 30 * time.Second

const (
	tweetFields = "id,text,created_at,conversation_id,entities,attachments,author_id,note_tweet,referenced_tweets"
	expansions  = "attachments.media_keys,author_id,referenced_tweets.id"
	mediaFields = "media_key,type,url,preview_image_url"
	userFields  = "id,username,name"
)

// Client calls the X API with an app bearer token.
type Client struct {
	http    *http.Client
	baseURL string
	logger  *slog.Logger
}

// New returns a client authenticating with bearer. ctx may carry a base
// *http.Client under oauth2.HTTPClient.
func New(ctx context.Context, bearer string, l *slog.Logger) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"})
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = requestTimeout
	return &Client{
		http:    hc,
		baseURL: DefaultBaseURL,
		logger:  logger.OrDiscard(l).With("component", "xapi"),
	}
}

// WithBaseURL points the client at another API root.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

type tweet struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	CreatedAt      string `json:"created_at"`
	ConversationID string `json:"conversation_id"`
	AuthorID       string `json:"author_id"`
	NoteTweet      *struct {
		Text string `json:"text"`
	} `json:"note_tweet"`
	Entities *struct {
		URLs []struct {
			ExpandedURL string `json:"expanded_url"`
		} `json:"urls"`
	} `json:"entities"`
	Attachments *struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

func (t tweet) fullText() string {
	if t.NoteTweet != nil && t.NoteTweet.Text != "" {
		return t.NoteTweet.Text
	}
	return t.Text
}

type media struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type includes struct {
	Media  []media `json:"media"`
	Users  []user  `json:"users"`
	Tweets []tweet `json:"tweets"`
}

type singleResponse struct {
	Data     *tweet   `json:"data"`
	Includes includes `json:"includes"`
}

type searchResponse struct {
	Data     []tweet  `json:"data"`
	Includes includes `json:"includes"`
}

// Lookup fetches one post with its media, author and quoted post.
func (c *Client) Lookup(ctx context.Context, id string) (*bookmark.Bookmark, error) {
	q := fieldParams()
	var resp singleResponse
	if err := c.get(ctx, "/tweets/"+url.PathEscape(id), q, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, insighterrors.NewNotFound("post " + id)
	}
	bm := toBookmark(*resp.Data, resp.Includes)
	for _, ref := range resp.Data.ReferencedTweets {
		if ref.Type != "quoted" {
			continue
		}
		for _, inc := range resp.Includes.Tweets {
			if inc.ID == ref.ID {
				quoted := toBookmark(inc, resp.Includes)
				bm.Quoted = &quoted
			}
		}
	}
	return &bm, nil
}

// Enrich fills an empty bookmark from the API. Fields already set are kept.
func (c *Client) Enrich(ctx context.Context, bm *bookmark.Bookmark) error {
	got, err := c.Lookup(ctx, bm.ID)
	if err != nil {
		return err
	}
	bm.Text = got.Text
	if bm.AuthorUsername == "" {
		bm.AuthorUsername = got.AuthorUsername
	}
	if bm.AuthorName == "" {
		bm.AuthorName = got.AuthorName
	}
	if bm.CreatedAt == "" {
		bm.CreatedAt = got.CreatedAt
	}
	if bm.ConversationID == "" {
		bm.ConversationID = got.ConversationID
		bm.IsThread = got.IsThread
	}
	if len(bm.MediaURLs) == 0 {
		bm.MediaURLs = got.MediaURLs
	}
	if len(bm.Links) == 0 {
		bm.Links = got.Links
	}
	if bm.Quoted == nil {
		bm.Quoted = got.Quoted
	}
	return nil
}

// ExpandThread returns the author's posts in the bookmark's conversation,
// ordered by id. The bookmarked post itself is excluded.
func (c *Client) ExpandThread(ctx context.Context, bm bookmark.Bookmark) ([]capture.ThreadSegment, error) {
	conv := bm.ConversationID
	if conv == "" {
		conv = bm.ID
	}
	query := "conversation_id:" + conv
	if bm.AuthorUsername != "" {
		query += " from:" + bm.AuthorUsername
	}
	q := fieldParams()
	q.Set("query", query)
	q.Set("max_results", "100")

	var resp searchResponse
	if err := c.get(ctx, "/tweets/search/recent", q, &resp); err != nil {
		return nil, err
	}

	tweets := resp.Data
	sort.SliceStable(tweets, func(i, j int) bool { return idLess(tweets[i].ID, tweets[j].ID) })

	var segments []capture.ThreadSegment
	for _, t := range tweets {
		if t.ID == bm.ID {
			continue
		}
		segments = append(segments, capture.ThreadSegment{
			Order:     len(segments),
			Text:      t.fullText(),
			Links:     entityLinks(t),
			MediaURLs: mediaURLs(t, resp.Includes),
		})
	}
	c.logger.Debug("expanded thread", "item_id", bm.ID, "conversation_id", conv, "segments", len(segments))
	return segments, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"?"+q.Encode(), nil)
	if err != nil {
		return insighterrors.NewMalformed("build x api request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return insighterrors.NewTransient("x api request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return insighterrors.NewConfig("x api rejected bearer token")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return insighterrors.FromHTTPStatus(resp.StatusCode, "x api")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return insighterrors.NewMalformed("decode x api response", err)
	}
	return nil
}

func fieldParams() url.Values {
	q := url.Values{}
	q.Set("tweet.fields", tweetFields)
	q.Set("expansions", expansions)
	q.Set("media.fields", mediaFields)
	q.Set("user.fields", userFields)
	return q
}

func toBookmark(t tweet, inc includes) bookmark.Bookmark {
	bm := bookmark.Bookmark{
		ID:             t.ID,
		Text:           t.fullText(),
		AuthorID:       t.AuthorID,
		CreatedAt:      t.CreatedAt,
		ConversationID: t.ConversationID,
		IsThread:       t.ConversationID != "" && t.ConversationID == t.ID,
		MediaURLs:      mediaURLs(t, inc),
		Links:          entityLinks(t),
	}
	for _, u := range inc.Users {
		if u.ID == t.AuthorID {
			bm.AuthorUsername = u.Username
			bm.AuthorName = u.Name
		}
	}
	return bm
}

// mediaURLs resolves attachment media keys, falling back to image URLs
// carried in the post's entities.
func mediaURLs(t tweet, inc includes) []string {
	var out []string
	if t.Attachments != nil {
		byKey := make(map[string]media, len(inc.Media))
		for _, m := range inc.Media {
			byKey[m.MediaKey] = m
		}
		for _, k := range t.Attachments.MediaKeys {
			m, ok := byKey[k]
			if !ok {
				continue
			}
			if m.URL != "" {
				out = append(out, m.URL)
			} else if m.PreviewImageURL != "" {
				out = append(out, m.PreviewImageURL)
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	if t.Entities != nil {
		for _, u := range t.Entities.URLs {
			if strings.Contains(u.ExpandedURL, "pbs.twimg.com") {
				out = append(out, u.ExpandedURL)
			}
		}
	}
	return out
}

// entityLinks returns expanded outbound URLs, dropping links back into X
// and its media hosts.
func entityLinks(t tweet) []string {
	if t.Entities == nil {
		return nil
	}
	var out []string
	for _, e := range t.Entities.URLs {
		if e.ExpandedURL == "" || isPlatformURL(e.ExpandedURL) {
			continue
		}
		out = append(out, e.ExpandedURL)
	}
	return out
}

func isPlatformURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	switch host {
	case "twitter.com", "x.com", "mobile.twitter.com", "pbs.twimg.com", "video.twimg.com":
		return true
	}
	return false
}

// idLess orders snowflake ids numerically, falling back to string order.
func idLess(a, b string) bool {
	ai, errA := strconv.ParseUint(a, 10, 64)
	bi, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return ai < bi
}

var _ capture.ThreadExpander = (*Client)(nil)
var _ capture.Enricher = (*Client)(nil)

