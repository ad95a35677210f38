package backlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hpungsan/insight/internal/bookmark"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/pipeline"
)

// DefaultPollInterval is how often Watch rescans the backlog.
const DefaultPollInterval = 2 * time.Minute

// Runner processes one export's bookmarks.
type Runner interface {
	Run(ctx context.Context, items []bookmark.Bookmark, source string) (pipeline.Summary, error)
}

// Cycle reports one pass over the backlog.
type Cycle struct {
	Files     int      `json:"files"`
	Archived  []string `json:"archived"`
	Purged    []string `json:"purged"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Watcher feeds pending backlog files to a Runner and archives each one
// after its run completes. Archived paths are not offered again for the
// life of the Watcher.
type Watcher struct {
	m      *Manager
	run    Runner
	logger *slog.Logger
	done   map[string]bool
}

// NewWatcher returns a Watcher over m.
func NewWatcher(m *Manager, run Runner, l *slog.Logger) *Watcher {
	return &Watcher{
		m:      m,
		run:    run,
		logger: logger.OrDiscard(l).With("component", "backlog"),
		done:   map[string]bool{},
	}
}

// Once purges expired archives, then runs and archives every pending file.
// An unreadable export is counted as failed and left in place. A run error
// (shutdown or a fatal config error) stops the pass without archiving the
// current file, so it is picked up again next time.
func (w *Watcher) Once(ctx context.Context) (Cycle, error) {
	var c Cycle
	purged, err := w.m.Clean()
	if err != nil {
		w.logger.Warn("archive cleanup failed", "error", err)
	}
	c.Purged = purged

	pending, err := w.m.Pending()
	if err != nil {
		return c, err
	}
	for _, path := range pending {
		if w.done[path] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return c, err
		}
		c.Files++
		log := w.logger.With("file", path)

		items, err := bookmark.ReadExportFile(path)
		if err != nil {
			log.Error("read export failed", "error", err)
			c.Failed++
			c.Errors = append(c.Errors, fmt.Sprintf("file %s: %v", path, err))
			continue
		}

		sum, err := w.run.Run(ctx, items, path)
		c.Processed += sum.Processed
		c.Skipped += sum.Skipped
		c.Failed += sum.Failed
		if err != nil {
			return c, err
		}

		dest, err := w.m.Archive(path)
		if err != nil {
			log.Error("archive failed", "error", err)
			c.Errors = append(c.Errors, fmt.Sprintf("file %s: %v", path, err))
			continue
		}
		w.done[path] = true
		if dest != "" {
			log.Info("archived", "to", dest)
			c.Archived = append(c.Archived, dest)
		}
	}
	return c, nil
}

// Watch runs Once immediately and then every interval until ctx is done.
// onCycle, when non-nil, receives every completed pass.
func (w *Watcher) Watch(ctx context.Context, interval time.Duration, onCycle func(Cycle)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w.logger.Info("watching backlog", "dir", w.m.Dir(), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c, err := w.Once(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("backlog watch stopped")
				return nil
			}
			return err
		}
		if c.Processed > 0 || c.Failed > 0 {
			w.logger.Info("cycle complete", "processed", c.Processed, "skipped", c.Skipped, "failed", c.Failed)
		}
		if onCycle != nil {
			onCycle(c)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("backlog watch stopped")
			return nil
		case <-ticker.C:
		}
	}
}
