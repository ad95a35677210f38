package web

import (
	"html/template"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hpungsan/insight/internal/db"
	"github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/fsutil"
	"github.com/hpungsan/insight/internal/note"
	"github.com/hpungsan/insight/internal/state"
)

const maxRuns = 200

// Handlers contains HTTP route handlers for the dashboard.
type Handlers struct {
	svc      Services
	renderer *Renderer
}

// recordFilters are the record list views, in nav order.
var recordFilters = []string{"review", "progress", "error", "done", "all"}

// filterFunc returns the record predicate for a named view.
func filterFunc(name string) (func(*state.Record) bool, bool) {
	switch name {
	case "review":
		return func(r *state.Record) bool { return r.NeedsReview }, true
	case "progress":
		return func(r *state.Record) bool {
			return !r.Complete() && !r.NeedsReview && !hasError(r)
		}, true
	case "error":
		return func(r *state.Record) bool { return !r.NeedsReview && hasError(r) }, true
	case "done":
		return (*state.Record).Complete, true
	case "all":
		return func(*state.Record) bool { return true }, true
	}
	return nil, false
}

func hasError(r *state.Record) bool {
	for _, s := range state.Stages {
		if r.StageStatusOf(s) == state.StatusError {
			return true
		}
	}
	return false
}

// HandleRecords handles GET /records - list records in one view.
func (h *Handlers) HandleRecords(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = "all"
	}
	match, ok := filterFunc(filter)
	if !ok {
		h.renderer.renderError(w, r, errors.NewMalformed("unknown filter "+strconv.Quote(filter), nil))
		return
	}

	ids := h.svc.State.Select(match)
	items := make([]RecordRow, 0, len(ids))
	for _, id := range ids {
		rec, ok := h.svc.State.Get(id)
		if !ok {
			continue
		}
		items = append(items, recordRow(id, rec))
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"filter": filter, "count": len(items), "ids": ids})
		return
	}

	h.renderer.renderPage(w, r, "records", RecordsPageData{
		PageData: PageData{
			Title:   "Records",
			Version: h.renderer.version,
			Nav:     "records",
		},
		Filter:  filter,
		Filters: recordFilters,
		Stats:   h.svc.State.Stats(),
		Items:   items,
	})
}

func recordRow(id string, rec *state.Record) RecordRow {
	row := RecordRow{
		ID:             id,
		Capture:        rec.StageStatusOf(state.StageCapture),
		Distill:        rec.StageStatusOf(state.StageDistill),
		NeedsReview:    rec.NeedsReview,
		OutputLocation: rec.OutputLocation,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.LastError != nil {
		row.LastError = *rec.LastError
	}
	return row
}

// HandleDetail handles GET /records/{id} - one record with its artifact and note.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewMalformed("record id is required", nil))
		return
	}

	rec, ok := h.svc.State.Get(id)
	if !ok {
		h.renderer.renderError(w, r, errors.NewNotFound(id))
		return
	}

	data := DetailPageData{
		PageData: PageData{
			Title:   "Record " + id,
			Version: h.renderer.version,
			Nav:     "records",
		},
		ID:           id,
		Record:       rec,
		CanReprocess: h.svc.Reprocessor != nil,
	}
	for _, s := range state.Stages {
		data.Stages = append(data.Stages, StageRow{Stage: s, Entry: rec.StageStatus[s]})
	}

	a, err := h.svc.Artifacts.Load(id)
	switch {
	case err == nil:
		data.Artifact = a
	case errors.Is(err, errors.ErrNotFound):
		data.ArtifactErr = "no capture stored"
		data.CanReprocess = false
	default:
		data.ArtifactErr = err.Error()
		data.CanReprocess = false
	}

	if rec.OutputLocation != "" {
		data.NoteHTML = h.noteHTML(rec.OutputLocation)
	}

	h.renderer.renderPage(w, r, "detail", data)
}

// noteHTML renders the note body at path without its frontmatter.
func (h *Handlers) noteHTML(path string) template.HTML {
	raw, err := fsutil.ReadFile(path)
	if err != nil {
		return ""
	}
	_, body, err := note.SplitFrontmatter(raw)
	if err != nil {
		body = raw
	}
	return h.renderer.renderMarkdown(body)
}

// HandleReprocess handles POST /records/{id}/reprocess - distill again from the stored capture.
func (h *Handlers) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewMalformed("record id is required", nil))
		return
	}
	if h.svc.Reprocessor == nil {
		h.renderer.renderError(w, r, errors.NewConfig("no reasoning provider configured"))
		return
	}

	res, err := h.svc.Reprocessor.Reprocess(r.Context(), id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	target := "/records/" + url.PathEscape(id)

	// HTMX request: redirect via HX-Redirect header
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusOK)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, res)
		return
	}

	// Default: redirect
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// HandleRuns handles GET /runs - recent runs, newest first.
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.svc.DB == nil {
		h.renderer.renderError(w, r, errors.NewConfig("run history database not open"))
		return
	}
	limit := parseIntParam(r, "limit", 50)
	if limit < 1 || limit > maxRuns {
		limit = 50
	}

	runs, err := db.ListRuns(h.svc.DB, limit)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"runs": runs})
		return
	}

	h.renderer.renderPage(w, r, "runs", RunsPageData{
		PageData: PageData{
			Title:   "Runs",
			Version: h.renderer.version,
			Nav:     "runs",
		},
		Runs: runs,
	})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
