package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/hpungsan/insight/internal/bookmark"
	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/fetch"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/ratelimit"
	"github.com/hpungsan/insight/internal/retry"
	"github.com/hpungsan/insight/internal/textutil"
)

// VisionPrompt is sent with every image.
const VisionPrompt = "Describe what this image shows. If it contains text, transcribe it fully. " +
	"If it shows a screenshot of a video, app, website, or tool, identify the " +
	"source URL if visible. If it shows code, transcribe the code. " +
	"Be factual and thorough."

// ThreadExpander returns the author's other posts in a bookmark's conversation.
type ThreadExpander interface {
	ExpandThread(ctx context.Context, bm bookmark.Bookmark) ([]ThreadSegment, error)
}

// PageFetcher fetches one URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Page, error)
}

// ImageDescriber describes an image by URL.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, imageURL, prompt string) (string, error)
}

// TranscriptFetcher returns the spoken text of a video.
type TranscriptFetcher interface {
	Transcript(ctx context.Context, videoURL string) (string, error)
}

// Enricher fills in a bookmark that arrived without text. Failures are not fatal.
type Enricher interface {
	Enrich(ctx context.Context, bm *bookmark.Bookmark) error
}

// Deps are the outbound collaborators. Any of them may be nil; the matching
// source is then skipped.
type Deps struct {
	Threads     ThreadExpander
	Pages       PageFetcher
	Images      ImageDescriber
	Transcripts TranscriptFetcher
	Enrichers   []Enricher
}

// Options tune capture.
type Options struct {
	TokenBudget  int
	FetchTimeout time.Duration
	LLMTimeout   time.Duration
	Retry        retry.Policy
	Logger       *slog.Logger
}

// Capturer runs the capture stage.
type Capturer struct {
	deps    Deps
	limiter *ratelimit.Limiter
	store   *ArtifactStore
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a capturer. Every outbound call goes through retry, then limiter, then a per-call timeout.
func New(deps Deps, limiter *ratelimit.Limiter, store *ArtifactStore, opts Options) *Capturer {
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = DefaultTokenBudget
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 120 * time.Second
	}
	l := logger.OrDiscard(opts.Logger).With("component", "capture")
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = l
	}
	return &Capturer{
		deps:    deps,
		limiter: limiter,
		store:   store,
		opts:    opts,
		logger:  l,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the artifact store.
func (c *Capturer) Store() *ArtifactStore {
	return c.store
}

// Capture gathers every source for bm, truncates to the token budget and
// persists the artifact before returning it. Individual source failures are
// recorded in the artifact; only a persistence failure fails the capture.
func (c *Capturer) Capture(ctx context.Context, bm bookmark.Bookmark) (*Artifact, error) {
	start := time.Now()

	var enrichErr error
	if bm.Text == "" {
		enrichErr = c.enrich(ctx, &bm)
	}

	a := c.assemble(ctx, bm, true)
	if enrichErr != nil && bm.Text == "" {
		a.recordSourceError(SourceEnrich, enrichErr)
	}

	if a.Recompute() > c.opts.TokenBudget {
		before := a.TokenEstimate
		a.Truncate(c.opts.TokenBudget)
		c.logger.Info("truncated artifact", "item_id", bm.ID, "before", before, "after", a.TokenEstimate, "budget", c.opts.TokenBudget)
	}
	a.CaptureDurationMS = time.Since(start).Milliseconds()

	if err := retry.Run(ctx, c.opts.Retry, func(context.Context) error {
		return c.store.Save(a)
	}); err != nil {
		return nil, err
	}

	c.logger.Info("captured",
		"item_id", bm.ID,
		"links", len(a.Links),
		"images", len(a.Images),
		"thread", len(a.Thread),
		"tokens", a.TokenEstimate,
		"source_errors", len(a.SourceErrors),
		"duration_ms", a.CaptureDurationMS)
	return a, nil
}

// enrich tries each enricher until one supplies text, returning the last
// failure. Each attempt is bounded like any other outbound call.
func (c *Capturer) enrich(ctx context.Context, bm *bookmark.Bookmark) error {
	var lastErr error
	for _, e := range c.deps.Enrichers {
		_, err := call(ctx, c, ratelimit.Thread, c.opts.FetchTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.Enrich(ctx, bm)
		})
		if err != nil {
			c.logger.Debug("enrichment failed", "item_id", bm.ID, "error", err)
			lastErr = err
		}
		if bm.Text != "" {
			return nil
		}
	}
	return lastErr
}

// assemble runs every source concurrently. Each task writes only its own slot.
func (c *Capturer) assemble(ctx context.Context, bm bookmark.Bookmark, top bool) *Artifact {
	a := &Artifact{
		SchemaVersion:  SchemaVersion,
		ItemID:         bm.ID,
		PrimaryText:    bm.Text,
		AuthorName:     firstNonEmpty(bm.AuthorName, bm.AuthorUsername),
		AuthorUsername: bm.AuthorUsername,
		SourceURL:      bm.PostURL(),
		CreatedAt:      createdAt(bm.CreatedAt, c.now),
		CapturedAt:     c.now(),
	}

	urls := bookmark.CollectURLs(bm.Text, bm.Links)
	videos := videoURLs(urls, bm.VideoURLs)

	var (
		wg         sync.WaitGroup
		errMu      sync.Mutex
		thread     []ThreadSegment
		threadErr  error
		transcript string
		transErr   error
		quoted     *Artifact
	)
	record := func(source string, err error) {
		errMu.Lock()
		defer errMu.Unlock()
		a.recordSourceError(source, err)
	}

	if top && c.deps.Threads != nil && (bm.IsThread || bm.ConversationID != "") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			thread, threadErr = call(ctx, c, ratelimit.Thread, c.opts.FetchTimeout, func(ctx context.Context) ([]ThreadSegment, error) {
				return c.deps.Threads.ExpandThread(ctx, bm)
			})
		}()
	}

	if c.deps.Pages != nil {
		a.Links = make([]ResolvedLink, len(urls))
		for i, u := range urls {
			wg.Add(1)
			go func(i int, u string) {
				defer wg.Done()
				a.Links[i] = c.resolveLink(ctx, u)
			}(i, u)
		}
	}

	if c.deps.Images != nil && len(bm.MediaURLs) > 0 {
		a.Images = make([]AnalyzedImage, len(bm.MediaURLs))
		for i, u := range bm.MediaURLs {
			wg.Add(1)
			go func(i int, u string) {
				defer wg.Done()
				a.Images[i] = c.describeImage(ctx, u)
			}(i, u)
		}
	}

	if top && c.deps.Transcripts != nil && len(videos) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transcript, transErr = call(ctx, c, ratelimit.Video, c.opts.FetchTimeout, func(ctx context.Context) (string, error) {
				return c.deps.Transcripts.Transcript(ctx, videos[0])
			})
		}()
	}

	if top && bm.Quoted != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := *bm.Quoted
			q.Quoted = nil
			quoted = c.assemble(ctx, q, false)
			quoted.Recompute()
		}()
	}

	wg.Wait()

	if threadErr != nil {
		record(SourceThread, threadErr)
	} else {
		a.Thread = thread
	}
	if transErr != nil {
		record(SourceTranscript, transErr)
	} else {
		a.Transcript = transcript
	}
	if quoted != nil {
		a.Quoted = quoted
		for src, msg := range quoted.SourceErrors {
			record(SourceQuoted+"."+src, errors.New(msg))
		}
	}

	c.followImageSources(ctx, a)
	return a
}

func (c *Capturer) resolveLink(ctx context.Context, u string) ResolvedLink {
	page, err := call(ctx, c, ratelimit.Link, c.opts.FetchTimeout, func(ctx context.Context) (*fetch.Page, error) {
		return c.deps.Pages.Fetch(ctx, u)
	})
	if err != nil {
		c.logger.Warn("link fetch failed", "url", u, "error", err)
		return ResolvedLink{
			OriginalURL: u,
			ResolvedURL: u,
			ContentType: fetch.TypeOther,
			FetchError:  err.Error(),
		}
	}
	return ResolvedLink{
		OriginalURL: u,
		ResolvedURL: firstNonEmpty(page.ResolvedURL, u),
		Title:       page.Title,
		Content:     textutil.TruncateChars(page.Content, fetch.MaxContentChars),
		ContentType: firstNonEmpty(page.ContentType, fetch.TypeOther),
	}
}

func (c *Capturer) describeImage(ctx context.Context, u string) AnalyzedImage {
	desc, err := call(ctx, c, ratelimit.Vision, c.opts.LLMTimeout, func(ctx context.Context) (string, error) {
		return c.deps.Images.DescribeImage(ctx, u, VisionPrompt)
	})
	if err != nil {
		c.logger.Warn("image analysis failed", "url", u, "error", err)
		return AnalyzedImage{
			URL:         u,
			Description: fmt.Sprintf("[Analysis failed: %v]", err),
			Error:       err.Error(),
		}
	}
	return AnalyzedImage{
		URL:             u,
		Description:     desc,
		SecondarySource: IdentifySource(desc),
	}
}

// followImageSources fetches URLs revealed by image descriptions, one at a
// time, skipping any already resolved as a link.
func (c *Capturer) followImageSources(ctx context.Context, a *Artifact) {
	if c.deps.Pages == nil {
		return
	}
	for i := range a.Images {
		img := &a.Images[i]
		if img.SecondarySource == "" || a.KnownURLs()[img.SecondarySource] {
			continue
		}
		page, err := call(ctx, c, ratelimit.Link, c.opts.FetchTimeout, func(ctx context.Context) (*fetch.Page, error) {
			return c.deps.Pages.Fetch(ctx, img.SecondarySource)
		})
		if err != nil {
			c.logger.Warn("image source follow failed", "url", img.SecondarySource, "error", err)
			continue
		}
		img.SecondaryContent = textutil.TruncateChars(page.Content, fetch.MaxContentChars)
	}
}

// call wraps fn as retry(limiter(timeout(fn))). A per-call deadline that
// fires while the parent is still live is reported as a transient error.
func call[T any](ctx context.Context, c *Capturer, cat ratelimit.Category, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, c.opts.Retry, func(ctx context.Context) (T, error) {
		var out T
		err := c.limiter.Do(ctx, cat, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := fn(cctx)
			if err != nil {
				if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return insighterrors.NewTransient(fmt.Sprintf("%s call timed out after %s", cat, timeout), err)
				}
				return err
			}
			out = v
			return nil
		})
		return out, err
	})
}

var sourcePattern = regexp.MustCompile(`https?://[^\s\)\]"'<>]+`)

// IdentifySource returns the first absolute http(s) URL in text, or "".
func IdentifySource(text string) string {
	for _, m := range sourcePattern.FindAllString(text, -1) {
		u, err := url.Parse(m)
		if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return m
		}
	}
	return ""
}

func videoURLs(urls, explicit []string) []string {
	out := append([]string(nil), explicit...)
	for _, u := range urls {
		if bookmark.IsVideoURL(u) {
			out = append(out, u)
		}
	}
	return out
}

func createdAt(s string, now func() time.Time) time.Time {
	if t := bookmark.ParseTime(s); !t.IsZero() {
		return t
	}
	return now()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
