// Package backlog manages a directory of pending export files: listing what
// is waiting, archiving what has been run, and purging old archives.
package backlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultRetention is how long archived exports are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ProcessedDirName is the archive subdirectory inside the backlog dir.
const ProcessedDirName = "processed"

const keepFile = ".gitkeep"

// Manager owns one backlog directory and its archive.
type Manager struct {
	dir          string
	processedDir string
	retention    time.Duration
	now          func() time.Time
}

// New returns a Manager for dir, archiving into dir/processed.
// A retention of zero or less keeps archives forever.
func New(dir string, retention time.Duration) *Manager {
	return &Manager{
		dir:          dir,
		processedDir: filepath.Join(dir, ProcessedDirName),
		retention:    retention,
		now:          time.Now,
	}
}

// Dir returns the backlog directory.
func (m *Manager) Dir() string { return m.dir }

// ProcessedDir returns the archive directory.
func (m *Manager) ProcessedDir() string { return m.processedDir }

// Pending lists *.json files waiting in the backlog, oldest first.
// A missing backlog directory has nothing pending.
func (m *Manager) Pending() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backlog dir: %w", err)
	}

	type pending struct {
		path  string
		mtime time.Time
	}
	var files []pending
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, pending{path: filepath.Join(m.dir, e.Name()), mtime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].mtime.Equal(files[j].mtime) {
			return files[i].path < files[j].path
		}
		return files[i].mtime.Before(files[j].mtime)
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Archive moves path into the archive directory under a timestamped name
// and returns the new path. A source that no longer exists returns "".
func (m *Manager) Archive(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat export: %w", err)
	}
	if err := os.MkdirAll(m.processedDir, 0700); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	stamp := m.now().Format("20060102_150405")
	base := filepath.Base(path)
	dest := filepath.Join(m.processedDir, stamp+"_"+base)
	for n := 1; exists(dest); n++ {
		dest = filepath.Join(m.processedDir, fmt.Sprintf("%s_%d_%s", stamp, n, base))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("archive export: %w", err)
	}
	// Retention counts from archiving, not from when the export was written.
	now := m.now()
	_ = os.Chtimes(dest, now, now)
	return dest, nil
}

// Clean removes archived files older than the retention period and
// returns the removed paths.
func (m *Manager) Clean() ([]string, error) {
	if m.retention <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(m.processedDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	cutoff := m.now().Add(-m.retention)
	var removed []string
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == keepFile {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(m.processedDir, e.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove archived export: %w", err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// Stats counts pending and archived files.
type Stats struct {
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
}

// Stats returns the current pending and archived counts.
func (m *Manager) Stats() (Stats, error) {
	pending, err := m.Pending()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Pending: len(pending)}

	entries, err := os.ReadDir(m.processedDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s, fmt.Errorf("read archive dir: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() != keepFile {
			s.Processed++
		}
	}
	return s, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
