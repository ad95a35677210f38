// Package pipeline sequences dedup, capture, distill and write for each
// bookmark, resuming from the last completed stage.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/insight/internal/bookmark"
	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/db"
	"github.com/hpungsan/insight/internal/dedup"
	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/note"
	"github.com/hpungsan/insight/internal/ratelimit"
	"github.com/hpungsan/insight/internal/retry"
	"github.com/hpungsan/insight/internal/state"
)

// Capturer runs the capture stage.
type Capturer interface {
	Capture(ctx context.Context, bm bookmark.Bookmark) (*capture.Artifact, error)
}

// ArtifactLoader reads persisted artifacts.
type ArtifactLoader interface {
	Load(id string) (*capture.Artifact, error)
}

// Distiller runs the distill stage.
type Distiller interface {
	Distill(ctx context.Context, a *capture.Artifact) (*note.Note, error)
}

// NoteWriter persists a note and returns its location.
type NoteWriter interface {
	Write(n *note.Note, a *capture.Artifact) (string, error)
}

// StateStore is the durable record of per-item progress.
type StateStore interface {
	IsProcessed(id string) bool
	Get(id string) (*state.Record, bool)
	MarkStageDone(id string, stage state.Stage, meta map[string]string) error
	MarkError(id string, message string, needsReview bool) error
	ListFlaggedForReview() []string
	ListInterrupted() []string
}

// Result statuses.
const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Result is the outcome of processing one item.
type Result struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	OutputLocation string `json:"output_location,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Summary totals one run.
type Summary struct {
	RunID      string   `json:"run_id"`
	Checked    int      `json:"checked"`
	Duplicates int      `json:"duplicates"`
	Resumed    int      `json:"resumed"`
	Processed  int      `json:"processed"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Review     []string `json:"review"`
}

func (s *Summary) add(r Result) {
	switch r.Status {
	case StatusProcessed:
		s.Processed++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	State     StateStore
	Capturer  Capturer
	Artifacts ArtifactLoader
	Distiller Distiller
	Writer    NoteWriter
	Limiter   *ratelimit.Limiter

	// Runs, when set, records each run in the runs table.
	Runs *sql.DB
}

// Options tune the orchestrator.
type Options struct {
	Workers       int
	Retry         retry.Policy
	ShutdownGrace time.Duration

	// LLMTimeout bounds each reasoning call. Zero means DefaultLLMTimeout.
	LLMTimeout time.Duration
	Logger     *slog.Logger
}

// DefaultLLMTimeout bounds a reasoning call when Options.LLMTimeout is unset.
const DefaultLLMTimeout = 120 * time.Second

// Orchestrator drives items through the pipeline.
type Orchestrator struct {
	deps   Deps
	dedup  *dedup.Deduplicator
	opts   Options
	logger *slog.Logger
}

// New returns an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = DefaultLLMTimeout
	}
	l := logger.OrDiscard(opts.Logger).With("component", "pipeline")
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = l
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.DefaultConfigs())
	}
	return &Orchestrator{
		deps:   deps,
		dedup:  dedup.New(deps.State, l),
		opts:   opts,
		logger: l,
	}
}

// DedupStats returns the accumulated dedup counters.
func (o *Orchestrator) DedupStats() dedup.Stats {
	return o.dedup.Stats()
}

// NewRunID returns a sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Process moves one item forward. Completed items return immediately
// without invoking any stage; items flagged for review are left for
// RetryReviews. A returned error means the item could not be handled at
// all (configuration, state persistence, or shutdown); per-item stage
// failures are reported in the Result and recorded as needs-review.
func (o *Orchestrator) Process(ctx context.Context, bm bookmark.Bookmark) (Result, error) {
	res := Result{ID: bm.ID}
	rec, known := o.deps.State.Get(bm.ID)
	if known && rec.Complete() {
		res.Status = StatusSkipped
		res.OutputLocation = rec.OutputLocation
		return res, nil
	}
	if known && rec.NeedsReview {
		res.Status = StatusSkipped
		return res, nil
	}
	return o.advance(ctx, bm, rec)
}

// advance runs whatever stages rec has not completed.
func (o *Orchestrator) advance(ctx context.Context, bm bookmark.Bookmark, rec *state.Record) (Result, error) {
	res := Result{ID: bm.ID}
	log := o.logger.With("item_id", bm.ID)

	a, err := o.artifact(ctx, bm, rec)
	if err != nil {
		return o.fail(ctx, res, state.StageCapture, err)
	}

	n, err := o.distill(ctx, a)
	if err != nil {
		return o.fail(ctx, res, state.StageDistill, err)
	}

	path, err := o.deps.Writer.Write(n, a)
	if err != nil {
		return o.fail(ctx, res, state.StageDistill, err)
	}
	if err := o.deps.State.MarkStageDone(bm.ID, state.StageDistill, map[string]string{
		state.MetaOutputLocation: path,
		"category":               string(n.Category),
	}); err != nil {
		return res, err
	}

	log.Info("processed", "category", n.Category, "path", path)
	res.Status = StatusProcessed
	res.OutputLocation = path
	return res, nil
}

// distill runs retry(limiter(timeout(Distill))). A per-call deadline that
// fires while ctx is still live is transient.
func (o *Orchestrator) distill(ctx context.Context, a *capture.Artifact) (*note.Note, error) {
	timeout := o.opts.LLMTimeout
	return retry.Do(ctx, o.opts.Retry, func(ctx context.Context) (*note.Note, error) {
		var out *note.Note
		err := o.deps.Limiter.Do(ctx, ratelimit.LLM, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			n, err := o.deps.Distiller.Distill(cctx, a)
			if err != nil {
				if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return insighterrors.NewTransient(fmt.Sprintf("reasoning call timed out after %s", timeout), err)
				}
				return err
			}
			out = n
			return nil
		})
		return out, err
	})
}

// artifact loads the persisted capture when the record says capture is
// done, and captures (marking the stage) otherwise or when it is missing.
func (o *Orchestrator) artifact(ctx context.Context, bm bookmark.Bookmark, rec *state.Record) (*capture.Artifact, error) {
	if rec.StageDone(state.StageCapture) {
		a, err := o.deps.Artifacts.Load(bm.ID)
		if err == nil {
			return a, nil
		}
		if !insighterrors.Is(err, insighterrors.ErrNotFound) {
			return nil, err
		}
		o.logger.Warn("capture marked done but artifact missing, capturing again", "item_id", bm.ID)
	}

	a, err := o.deps.Capturer.Capture(ctx, bm)
	if err != nil {
		return nil, err
	}
	if err := o.deps.State.MarkStageDone(bm.ID, state.StageCapture, nil); err != nil {
		return nil, &persistError{err}
	}
	return a, nil
}

// persistError marks a state write failure so it is not recorded as an item failure.
type persistError struct{ err error }

func (e *persistError) Error() string { return "persist state: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// fail records err against the item unless it is fatal to the whole run.
func (o *Orchestrator) fail(ctx context.Context, res Result, stage state.Stage, err error) (Result, error) {
	var pe *persistError
	switch {
	case errors.As(err, &pe):
		return res, err
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// Interrupted by shutdown; the record resumes next run.
		return res, ctx.Err()
	case insighterrors.Is(err, insighterrors.ErrConfig):
		return res, err
	}

	o.logger.Error("stage failed", "item_id", res.ID, "stage", stage, "kind", string(insighterrors.KindOf(err)), "error", err)
	if markErr := o.deps.State.MarkError(res.ID, err.Error(), true); markErr != nil {
		return res, markErr
	}
	res.Status = StatusFailed
	res.Error = err.Error()
	return res, nil
}

// Run filters items against state, resumes interrupted records, and
// processes everything on a bounded worker pool. When ctx is cancelled no
// new items start; in-flight items get the shutdown grace period to finish.
func (o *Orchestrator) Run(ctx context.Context, items []bookmark.Bookmark, source string) (Summary, error) {
	sum := Summary{RunID: NewRunID()}
	log := o.logger.With("run_id", sum.RunID)
	o.startRun(sum.RunID, "run", source)

	before := o.dedup.Stats()
	unique := o.dedup.Filter(items)
	after := o.dedup.Stats()
	sum.Checked = after.Checked - before.Checked
	sum.Duplicates = after.Duplicates - before.Duplicates

	byID := make(map[string]bookmark.Bookmark, len(items))
	for _, bm := range items {
		if _, ok := byID[bm.ID]; !ok {
			byID[bm.ID] = bm
		}
	}
	work := append([]bookmark.Bookmark(nil), unique...)
	for _, id := range o.deps.State.ListInterrupted() {
		bm, ok := byID[id]
		if !ok {
			bm = bookmark.Bookmark{ID: id}
		}
		work = append(work, bm)
		sum.Resumed++
	}
	log.Info("run started", "checked", sum.Checked, "duplicates", sum.Duplicates, "unique", len(unique), "resumed", sum.Resumed)

	err := o.pool(ctx, work, func(ctx context.Context, bm bookmark.Bookmark) (Result, error) {
		return o.Process(ctx, bm)
	}, &sum)

	sum.Review = o.deps.State.ListFlaggedForReview()
	o.finishRun(sum, err)
	log.Info("run finished", "processed", sum.Processed, "skipped", sum.Skipped, "failed", sum.Failed, "review", len(sum.Review))
	return sum, err
}

// RetryReviews re-distills every item flagged for review from its stored
// artifact. It never captures: an item without an artifact stays flagged and
// is reported as a NOT_FOUND error. Returns id → "success" or "error: <message>".
func (o *Orchestrator) RetryReviews(ctx context.Context) (map[string]string, error) {
	ids := o.deps.State.ListFlaggedForReview()
	results := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return results, nil
	}
	runID := NewRunID()
	o.startRun(runID, "retry-review", "")

	work := make([]bookmark.Bookmark, len(ids))
	for i, id := range ids {
		work[i] = bookmark.Bookmark{ID: id}
	}
	sum := Summary{RunID: runID, Checked: len(ids)}
	var mu sync.Mutex
	err := o.pool(ctx, work, func(ctx context.Context, bm bookmark.Bookmark) (Result, error) {
		res, err := o.redistill(ctx, bm.ID)
		mu.Lock()
		defer mu.Unlock()
		if insighterrors.Is(err, insighterrors.ErrNotFound) {
			// No artifact to distill from; the item stays flagged.
			results[bm.ID] = "error: " + err.Error()
			return res, nil
		}
		switch {
		case err != nil:
			results[bm.ID] = "error: " + err.Error()
		case res.Status == StatusProcessed:
			results[bm.ID] = "success"
		default:
			results[bm.ID] = "error: " + res.Error
		}
		return res, err
	}, &sum)

	o.finishRun(sum, err)
	return results, err
}

// Reprocess distills id again from its artifact, replacing its note.
// It never captures; a missing artifact is a NOT_FOUND error.
func (o *Orchestrator) Reprocess(ctx context.Context, id string) (Result, error) {
	return o.redistill(ctx, id)
}

// redistill runs distill and write from the stored artifact of id. A missing
// artifact is returned as an error without touching the record.
func (o *Orchestrator) redistill(ctx context.Context, id string) (Result, error) {
	if _, err := o.deps.Artifacts.Load(id); err != nil {
		return Result{ID: id, Status: StatusFailed, Error: err.Error()}, err
	}
	if rec, _ := o.deps.State.Get(id); !rec.StageDone(state.StageCapture) {
		// The artifact is durable, so capture is complete whatever the record says.
		if err := o.deps.State.MarkStageDone(id, state.StageCapture, nil); err != nil {
			return Result{ID: id}, err
		}
	}
	captured := &state.Record{StageStatus: map[state.Stage]*state.StageEntry{
		state.StageCapture: {Status: state.StatusDone},
	}}
	return o.advance(ctx, bookmark.Bookmark{ID: id}, captured)
}

// pool runs fn over items with at most Workers in flight. A fatal error
// from any item stops dispatch and is returned.
func (o *Orchestrator) pool(ctx context.Context, items []bookmark.Bookmark, fn func(context.Context, bookmark.Bookmark) (Result, error), sum *Summary) error {
	itemCtx, stop := graceContext(ctx, o.opts.ShutdownGrace)
	defer stop()

	g, gctx := errgroup.WithContext(itemCtx)
	g.SetLimit(o.opts.Workers)
	var mu sync.Mutex

	for _, bm := range items {
		if ctx.Err() != nil || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up only after shutdown began.
			if ctx.Err() != nil {
				return nil
			}
			res, err := fn(gctx, bm)
			mu.Lock()
			sum.add(res)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// graceContext returns a context that outlives parent's cancellation by
// grace, so in-flight work can commit its state transition.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-parent.Done():
		}
		if grace <= 0 {
			cancel()
			return
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (o *Orchestrator) startRun(id, kind, source string) {
	if o.deps.Runs == nil {
		return
	}
	if err := db.InsertRun(o.deps.Runs, id, kind, source, time.Now().Unix()); err != nil {
		o.logger.Warn("record run start failed", "run_id", id, "error", err)
	}
}

func (o *Orchestrator) finishRun(sum Summary, runErr error) {
	if o.deps.Runs == nil {
		return
	}
	finished := time.Now().Unix()
	r := &db.Run{
		ID:         sum.RunID,
		FinishedAt: &finished,
		Checked:    sum.Checked,
		Duplicates: sum.Duplicates,
		Processed:  sum.Processed,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
	}
	if runErr != nil {
		msg := runErr.Error()
		r.Error = &msg
	}
	if err := db.FinishRun(o.deps.Runs, r); err != nil {
		o.logger.Warn("record run finish failed", "run_id", sum.RunID, "error", err)
	}
}
