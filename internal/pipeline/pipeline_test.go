package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/insight/internal/bookmark"
	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/db"
	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/note"
	"github.com/hpungsan/insight/internal/ratelimit"
	"github.com/hpungsan/insight/internal/retry"
	"github.com/hpungsan/insight/internal/state"
)

type countingCapturer struct {
	inner *capture.Capturer
	calls atomic.Int32
	err   error
}

func (c *countingCapturer) Capture(ctx context.Context, bm bookmark.Bookmark) (*capture.Artifact, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Capture(ctx, bm)
}

type fakeDistiller struct {
	mu    sync.Mutex
	calls int
	errs  []error // returned in order, then success
	note  note.Note

	// hook, when set, runs before each call outside the lock.
	hook func(ctx context.Context, a *capture.Artifact) error
}

func (d *fakeDistiller) Distill(ctx context.Context, a *capture.Artifact) (*note.Note, error) {
	if d.hook != nil {
		if err := d.hook(ctx, a); err != nil {
			d.mu.Lock()
			d.calls++
			d.mu.Unlock()
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	n := d.note
	n.Title = n.Title + " " + a.ItemID
	return &n, nil
}

func (d *fakeDistiller) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type countingWriter struct {
	inner *note.Writer
	calls atomic.Int32
}

func (w *countingWriter) Write(n *note.Note, a *capture.Artifact) (string, error) {
	w.calls.Add(1)
	return w.inner.Write(n, a)
}

type harness struct {
	orch      *Orchestrator
	state     *state.Store
	artifacts *capture.ArtifactStore
	capturer  *countingCapturer
	distiller *fakeDistiller
	writer    *countingWriter
	dataDir   string
	notesDir  string
}

func fastLimiter() *ratelimit.Limiter {
	cfgs := map[ratelimit.Category]ratelimit.Config{}
	for c := range ratelimit.DefaultConfigs() {
		cfgs[c] = ratelimit.Config{RPS: 1000, Concurrency: 4}
	}
	return ratelimit.New(cfgs)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataDir := t.TempDir()
	notesDir := filepath.Join(dataDir, "notes")

	st, err := state.Open(filepath.Join(dataDir, "state.json"), nil)
	require.NoError(t, err)

	limiter := fastLimiter()
	artifacts := capture.NewArtifactStore(filepath.Join(dataDir, "artifacts"))
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep}

	h := &harness{
		state:     st,
		artifacts: artifacts,
		capturer:  &countingCapturer{inner: capture.New(capture.Deps{}, limiter, artifacts, capture.Options{Retry: policy})},
		distiller: &fakeDistiller{note: note.Note{
			Category: note.Tip,
			Title:    "Useful tip",
			Sections: []note.Section{{Heading: "The Knowledge", Content: "k"}},
			Tags:     []string{"tip"},
		}},
		writer:   &countingWriter{inner: note.NewWriter(notesDir, nil)},
		dataDir:  dataDir,
		notesDir: notesDir,
	}
	h.orch = New(Deps{
		State:     st,
		Capturer:  h.capturer,
		Artifacts: artifacts,
		Distiller: h.distiller,
		Writer:    h.writer,
		Limiter:   limiter,
	}, Options{Workers: 2, Retry: policy})
	return h
}

func TestRun_Item42EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	items := []bookmark.Bookmark{{ID: "42", Text: "a single tip", AuthorUsername: "alice"}}

	sum, err := h.orch.Run(ctx, items, "export.json")
	require.NoError(t, err)

	stats := h.orch.DedupStats()
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 0, stats.Duplicates)
	assert.Equal(t, 1, stats.Unique)
	assert.Equal(t, 1, sum.Processed)
	assert.Empty(t, sum.Review)

	_, err = os.Stat(filepath.Join(h.dataDir, "artifacts", "42.json"))
	require.NoError(t, err)

	rec, ok := h.state.Get("42")
	require.True(t, ok)
	assert.True(t, rec.Complete())
	assert.False(t, rec.NeedsReview)
	assert.Equal(t, filepath.Join(h.notesDir, "Useful tip 42.md"), rec.OutputLocation)
	assert.Equal(t, "tip", rec.StageStatus[state.StageDistill].Meta["category"])

	// Second call is a no-op.
	res, err := h.orch.Process(ctx, items[0])
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, int32(1), h.capturer.calls.Load())
	assert.Equal(t, 1, h.distiller.Calls())
	assert.Equal(t, int32(1), h.writer.calls.Load())

	// And a second run treats it as a duplicate.
	sum, err = h.orch.Run(ctx, items, "export.json")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 0, sum.Processed)
	assert.Equal(t, int32(1), h.capturer.calls.Load())
}

func TestProcess_ResumesFromPersistedArtifact(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.artifacts.Save(&capture.Artifact{SchemaVersion: capture.SchemaVersion, ItemID: "7", PrimaryText: "captured earlier"}))
	require.NoError(t, h.state.MarkStageDone("7", state.StageCapture, nil))

	res, err := h.orch.Process(context.Background(), bookmark.Bookmark{ID: "7"})
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, int32(0), h.capturer.calls.Load())
	assert.Equal(t, 1, h.distiller.Calls())
	rec, _ := h.state.Get("7")
	assert.True(t, rec.Complete())
}

func TestProcess_RecapturesMissingArtifact(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.state.MarkStageDone("8", state.StageCapture, nil))

	res, err := h.orch.Process(context.Background(), bookmark.Bookmark{ID: "8", Text: "again"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, int32(1), h.capturer.calls.Load())
}

func TestProcess_CaptureFailureFlagsReview(t *testing.T) {
	h := newHarness(t)
	h.capturer.err = errors.New("disk full")

	res, err := h.orch.Process(context.Background(), bookmark.Bookmark{ID: "9", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	rec, ok := h.state.Get("9")
	require.True(t, ok)
	assert.True(t, rec.NeedsReview)
	assert.Equal(t, state.StatusError, rec.StageStatusOf(state.StageCapture))
	assert.Equal(t, 0, h.distiller.Calls())

	// Flagged items are left for review retry.
	res, err = h.orch.Process(context.Background(), bookmark.Bookmark{ID: "9", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, int32(1), h.capturer.calls.Load())
}

func TestProcess_MalformedDistillNotRetried(t *testing.T) {
	h := newHarness(t)
	h.distiller.errs = []error{insighterrors.NewMalformed("bad json", nil)}

	res, err := h.orch.Process(context.Background(), bookmark.Bookmark{ID: "10", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, h.distiller.Calls())

	rec, _ := h.state.Get("10")
	assert.True(t, rec.NeedsReview)
	assert.True(t, rec.StageDone(state.StageCapture))
	assert.Equal(t, state.StatusError, rec.StageStatusOf(state.StageDistill))
}

func TestProcess_TransientDistillRetried(t *testing.T) {
	h := newHarness(t)
	h.distiller.errs = []error{
		insighterrors.NewRateLimited("gemini", nil),
		insighterrors.NewTransient("timeout", nil),
	}

	res, err := h.orch.Process(context.Background(), bookmark.Bookmark{ID: "11", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, 3, h.distiller.Calls())
}

func TestProcess_DistillTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	h.orch.opts.LLMTimeout = 20 * time.Millisecond
	h.distiller.hook = func(ctx context.Context, _ *capture.Artifact) error {
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		res, err = h.orch.Process(context.Background(), bookmark.Bookmark{ID: "17", Text: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Process blocked in Distill past the reasoning timeout")
	}

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "TRANSIENT")
	assert.Equal(t, 3, h.distiller.Calls(), "timeouts are retried")

	rec, _ := h.state.Get("17")
	assert.True(t, rec.NeedsReview)
	assert.Equal(t, state.StatusError, rec.StageStatusOf(state.StageDistill))
}

func TestNew_DefaultLLMTimeout(t *testing.T) {
	o := New(Deps{}, Options{})
	assert.Equal(t, DefaultLLMTimeout, o.opts.LLMTimeout)
}

func TestProcess_ConfigErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.distiller.errs = []error{insighterrors.NewConfig("bad key")}

	_, err := h.orch.Process(context.Background(), bookmark.Bookmark{ID: "12", Text: "x"})
	require.Error(t, err)
	assert.True(t, insighterrors.Is(err, insighterrors.ErrConfig))

	rec, _ := h.state.Get("12")
	assert.False(t, rec.NeedsReview)
	assert.True(t, rec.Interrupted())
}

func TestRetryReviews_RedistillsFromArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.distiller.errs = []error{insighterrors.NewMalformed("bad json", nil)}

	_, err := h.orch.Process(ctx, bookmark.Bookmark{ID: "13", Text: "x"})
	require.NoError(t, err)
	require.Equal(t, []string{"13"}, h.state.ListFlaggedForReview())

	results, err := h.orch.RetryReviews(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"13": "success"}, results)
	assert.Equal(t, int32(1), h.capturer.calls.Load())
	assert.Empty(t, h.state.ListFlaggedForReview())

	rec, _ := h.state.Get("13")
	assert.True(t, rec.Complete())
	assert.Nil(t, rec.LastError)
}

func TestRetryReviews_ReportsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.distiller.errs = []error{
		insighterrors.NewMalformed("bad json", nil),
		insighterrors.NewMalformed("still bad", nil),
	}
	_, err := h.orch.Process(ctx, bookmark.Bookmark{ID: "14", Text: "x"})
	require.NoError(t, err)

	results, err := h.orch.RetryReviews(ctx)
	require.NoError(t, err)
	assert.Contains(t, results["14"], "error: ")
	assert.Contains(t, results["14"], "still bad")
	assert.Equal(t, []string{"14"}, h.state.ListFlaggedForReview())
}

func TestRetryReviews_NeverCaptures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.capturer.err = errors.New("disk full")
	_, err := h.orch.Process(ctx, bookmark.Bookmark{ID: "18", Text: "x"})
	require.NoError(t, err)
	require.Equal(t, []string{"18"}, h.state.ListFlaggedForReview())
	h.capturer.err = nil

	results, err := h.orch.RetryReviews(ctx)
	require.NoError(t, err)
	assert.Contains(t, results["18"], "error: ")
	assert.Contains(t, results["18"], "NOT_FOUND")
	assert.Equal(t, int32(1), h.capturer.calls.Load())
	assert.Equal(t, 0, h.distiller.Calls())
	assert.Equal(t, int32(0), h.writer.calls.Load())
	assert.Equal(t, []string{"18"}, h.state.ListFlaggedForReview())
}

func TestRetryReviews_ArtifactCompletesCaptureStage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.artifacts.Save(&capture.Artifact{ItemID: "19", PrimaryText: "saved"}))
	require.NoError(t, h.state.MarkError("19", "capture interrupted", true))

	results, err := h.orch.RetryReviews(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"19": "success"}, results)
	assert.Equal(t, int32(0), h.capturer.calls.Load())

	rec, _ := h.state.Get("19")
	assert.True(t, rec.Complete())
	assert.False(t, rec.NeedsReview)
}

func TestRetryReviews_Empty(t *testing.T) {
	h := newHarness(t)
	results, err := h.orch.RetryReviews(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRun_ResumesInterrupted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.artifacts.Save(&capture.Artifact{ItemID: "15", PrimaryText: "p"}))
	require.NoError(t, h.state.MarkStageDone("15", state.StageCapture, nil))

	sum, err := h.orch.Run(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resumed)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, int32(0), h.capturer.calls.Load())
}

func TestRun_ResumeUsesBatchBookmark(t *testing.T) {
	h := newHarness(t)
	// Capture was recorded but the artifact is gone.
	require.NoError(t, h.state.MarkStageDone("16", state.StageCapture, nil))

	items := []bookmark.Bookmark{{ID: "16", Text: "the full post", AuthorUsername: "bob"}}
	sum, err := h.orch.Run(context.Background(), items, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 1, sum.Resumed)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, int32(1), h.capturer.calls.Load())

	a, err := h.artifacts.Load("16")
	require.NoError(t, err)
	assert.Equal(t, "the full post", a.PrimaryText)
	assert.Equal(t, "bob", a.AuthorUsername)
}

func TestRun_FiltersDuplicatesWithinBatch(t *testing.T) {
	h := newHarness(t)
	items := []bookmark.Bookmark{{ID: "1", Text: "a"}, {ID: "2", Text: "b"}, {ID: "1", Text: "a"}}

	sum, err := h.orch.Run(context.Background(), items, "")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Checked)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 2, sum.Processed)
}

func TestRun_RecordsRun(t *testing.T) {
	h := newHarness(t)
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	h.orch.deps.Runs = database

	_, err = h.orch.Run(context.Background(), []bookmark.Bookmark{{ID: "20", Text: "x"}}, "export.json")
	require.NoError(t, err)

	runs, err := db.ListRuns(database, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run", runs[0].Kind)
	assert.Equal(t, 1, runs[0].Processed)
	require.NotNil(t, runs[0].Source)
	assert.Equal(t, "export.json", *runs[0].Source)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestRun_CancelledStopsDispatch(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.orch.Run(ctx, []bookmark.Bookmark{{ID: "30", Text: "x"}}, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.Processed)
	assert.Equal(t, int32(0), h.capturer.calls.Load())
}

func TestRun_NoDispatchAfterShutdown(t *testing.T) {
	h := newHarness(t)
	h.orch.opts.Workers = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.distiller.hook = func(context.Context, *capture.Artifact) error {
		cancel()
		return nil
	}

	items := []bookmark.Bookmark{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}, {ID: "c", Text: "z"}}
	_, err := h.orch.Run(ctx, items, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), h.capturer.calls.Load())

	_, known := h.state.Get("b")
	assert.False(t, known, "item b started after shutdown")
}

func TestRun_InFlightItemFinishesWithinGrace(t *testing.T) {
	h := newHarness(t)
	h.orch.opts.Workers = 1
	h.orch.opts.ShutdownGrace = 2 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.distiller.hook = func(ctx context.Context, _ *capture.Artifact) error {
		cancel()
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	}

	sum, err := h.orch.Run(ctx, []bookmark.Bookmark{{ID: "g", Text: "x"}, {ID: "h", Text: "y"}}, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Processed)

	rec, ok := h.state.Get("g")
	require.True(t, ok)
	assert.True(t, rec.StageDone(state.StageDistill))
	assert.False(t, rec.NeedsReview)
	_, known := h.state.Get("h")
	assert.False(t, known)
}

func TestReprocess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Reprocess(ctx, "missing")
	assert.True(t, insighterrors.Is(err, insighterrors.ErrNotFound))

	_, err = h.orch.Process(ctx, bookmark.Bookmark{ID: "40", Text: "x"})
	require.NoError(t, err)
	res, err := h.orch.Reprocess(ctx, "40")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, 2, h.distiller.Calls())
	assert.Equal(t, int32(1), h.capturer.calls.Load())
}

func TestGraceContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := graceContext(parent, 50*time.Millisecond)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
		t.Fatal("grace context cancelled with parent")
	case <-time.After(10 * time.Millisecond):
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("grace context not cancelled after grace")
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}
