package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/db"
	"github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/state"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	Nav     string // active nav item: "records", "runs"
}

// RecordRow is one line of the records table.
type RecordRow struct {
	ID             string
	Capture        state.Status
	Distill        state.Status
	NeedsReview    bool
	LastError      string
	OutputLocation string
	UpdatedAt      time.Time
}

// RecordsPageData is the template data for the records page.
type RecordsPageData struct {
	PageData
	Filter  string
	Filters []string
	Stats   state.Stats
	Items   []RecordRow
}

// DetailPageData is the template data for the record detail page.
type DetailPageData struct {
	PageData
	ID           string
	Record       *state.Record
	Stages       []StageRow
	Artifact     *capture.Artifact
	ArtifactErr  string
	NoteHTML     template.HTML
	CanReprocess bool
}

// StageRow is one stage of a record in execution order.
type StageRow struct {
	Stage state.Stage
	Entry *state.StageEntry
}

// RunsPageData is the template data for the runs page.
type RunsPageData struct {
	PageData
	Runs []db.Run
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	markdown  goldmark.Markdown
	logger    *slog.Logger
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string, l *slog.Logger) *Renderer {
	funcMap := template.FuncMap{
		"formatTime": formatTime,
		"formatUnix": formatUnix,
		"formatMS":   formatMS,
		"deref":      deref,
		"hasValue":   hasValue,
	}

	// Parse layout as the base template
	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"records": "records.html",
		"detail":  "detail.html",
		"runs":    "runs.html",
		"error":   "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:    logger.OrDiscard(l).With("component", "web"),
	}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, req *http.Request, name string, data any) {
	r.renderPageStatus(w, req, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
// For HTMX requests, only the "content" block is rendered to avoid duplicating the layout.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, req *http.Request, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.logger.Error("template not found", "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	block := "layout"
	if req != nil && req.Header.Get("HX-Request") == "true" {
		block = "content"
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, block, data); err != nil {
		r.logger.Error("template execution failed", "template", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error response with content negotiation.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	var pErr *errors.ProcessorError
	if !stderrors.As(err, &pErr) {
		pErr = errors.NewInternal(err)
	}

	status := httpStatus(pErr.Kind)
	message := pErr.Message
	if pErr.Kind == errors.ErrInternal {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
	}

	// HTMX request: return HTML fragment
	if req.Header.Get("HX-Request") == "true" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, `<div class="error-message">%s</div>`, template.HTMLEscapeString(message))
		return
	}

	// JSON request
	if wantsJSON(req) {
		renderJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":      string(pErr.Kind),
				"message":   message,
				"retryable": pErr.Retryable,
			},
		})
		return
	}

	// Full error page
	r.renderPageStatus(w, req, status, "error", ErrorPageData{
		PageData: PageData{
			Title:   fmt.Sprintf("Error %d", status),
			Version: r.version,
		},
		StatusCode: status,
		Message:    message,
	})
}

// httpStatus maps an error kind to the response status.
func httpStatus(kind errors.ErrorKind) int {
	switch kind {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrMalformed:
		return http.StatusBadRequest
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrTransient:
		return http.StatusBadGateway
	case errors.ErrConfig:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func wantsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts a note body to HTML. Raw HTML in the note is not passed through.
func (r *Renderer) renderMarkdown(md []byte) template.HTML {
	var buf bytes.Buffer
	if err := r.markdown.Convert(md, &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(string(md)))
	}
	return template.HTML(buf.String())
}

// formatTime formats t as "2006-01-02 15:04" UTC, or "-" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// formatUnix formats a Unix timestamp as "2006-01-02 15:04" UTC.
func formatUnix(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04")
}

// formatMS formats a millisecond duration.
func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

// deref dereferences a pointer, returning the zero value if nil.
// Supports *string and *int64 (the pointer types used in templates).
func deref(v any) any {
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Zero(rv.Type().Elem()).Interface()
		}
		return rv.Elem().Interface()
	}
	return v
}

// hasValue checks if a pointer value is non-nil.
func hasValue(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		return !rv.IsNil()
	}
	return true
}
