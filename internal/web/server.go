// Package web serves a local dashboard over the processing state: the
// review queue, per-record stage detail with the written note, and run history.
package web

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/pipeline"
	"github.com/hpungsan/insight/internal/state"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Reprocessor re-distills one item from its stored capture.
type Reprocessor interface {
	Reprocess(ctx context.Context, id string) (pipeline.Result, error)
}

// Services are the stores the dashboard reads.
type Services struct {
	State     *state.Store
	Artifacts *capture.ArtifactStore
	DB        *sql.DB

	// Reprocessor may be nil when no provider is configured; the reprocess
	// action is then hidden and rejected.
	Reprocessor Reprocessor
}

// NewServer creates and configures the HTTP server for the dashboard.
func NewServer(svc Services, version, bind string, port int, l *slog.Logger) (*http.Server, error) {
	// Create sub-FS for templates (strip "templates/" prefix)
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("template sub-FS: %w", err)
	}

	// Create sub-FS for static files (strip "static/" prefix)
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("static sub-FS: %w", err)
	}

	h := &Handlers{
		svc:      svc,
		renderer: NewRenderer(templateSub, version, l),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/records?filter=review", http.StatusFound)
	})
	mux.HandleFunc("GET /records", h.HandleRecords)
	mux.HandleFunc("GET /records/{id}", h.HandleDetail)
	mux.HandleFunc("POST /records/{id}/reprocess", h.HandleReprocess)
	mux.HandleFunc("GET /runs", h.HandleRuns)

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticSub)))

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, l *slog.Logger) error {
	l = logger.OrDiscard(l)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	l.Info("dashboard running", "url", "http://"+srv.Addr)
	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		l.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		l.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
