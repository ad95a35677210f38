// Package state persists per-item processing state as a single JSON file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/fsutil"
	"github.com/hpungsan/insight/internal/logger"
)

type fileState struct {
	Processed   map[string]*Record `json:"processed"`
	LastUpdated *time.Time         `json:"last_updated"`
}

// Stats summarizes the store.
type Stats struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	Review     int `json:"needs_review"`
	Error      int `json:"error"`
	InProgress int `json:"in_progress"`
}

// Store is the processing state store.
// All reads and mutations are serialized by one mutex; every mutation
// rewrites the whole file atomically before the in-memory view changes.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	loaded bool
	state  *fileState
}

// Open returns a store backed by path. A missing file is an empty store.
func Open(path string, l *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.OrDiscard(l).With("component", "state"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	data, err := fsutil.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state = &fileState{Processed: map[string]*Record{}}
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read state: %w", err)
	}

	st := &fileState{}
	if err := json.Unmarshal(data, st); err != nil {
		return insighterrors.NewMalformed(fmt.Sprintf("state file %s", s.path), err)
	}
	if st.Processed == nil {
		st.Processed = map[string]*Record{}
	}
	s.state = st
	s.loaded = true
	return nil
}

// IsProcessed reports whether any record exists for id, whatever its stage.
func (s *Store) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		s.logger.Error("state load failed", "error", err)
		return false
	}
	_, ok := s.state.Processed[id]
	return ok
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		s.logger.Error("state load failed", "error", err)
		return nil, false
	}
	r, ok := s.state.Processed[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// MarkStageDone records stage as complete for id. A meta output_location
// entry becomes the record's output location. Once no stage is left in
// error the review flag and last error are cleared.
func (s *Store) MarkStageDone(id string, stage Stage, meta map[string]string) error {
	return s.update(id, func(r *Record, now time.Time) {
		entry := &StageEntry{Status: StatusDone, CompletedAt: &now}
		if len(meta) > 0 {
			entry.Meta = make(map[string]string, len(meta))
			for k, v := range meta {
				entry.Meta[k] = v
			}
			if loc, ok := meta[MetaOutputLocation]; ok {
				r.OutputLocation = loc
			}
		}
		r.StageStatus[stage] = entry
		r.appendAttempt(Attempt{At: now, Stage: stage, Outcome: StatusDone})

		if !r.hasError() {
			r.NeedsReview = false
			r.LastError = nil
		}
	})
}

// MarkError records a failure for id. The first stage that is not done is
// marked as errored so a flagged record never has every stage done.
func (s *Store) MarkError(id string, message string, needsReview bool) error {
	return s.update(id, func(r *Record, now time.Time) {
		stage := StageDistill
		for _, st := range Stages {
			if !r.StageDone(st) {
				stage = st
				break
			}
		}
		prev := r.StageStatus[stage]
		entry := &StageEntry{Status: StatusError, Error: message}
		if prev != nil {
			entry.Meta = prev.Meta
		}
		r.StageStatus[stage] = entry
		msg := message
		r.LastError = &msg
		r.NeedsReview = needsReview
		r.appendAttempt(Attempt{At: now, Stage: stage, Outcome: StatusError, Error: message})
	})
}

// ListFlaggedForReview returns the sorted ids of records needing review.
func (s *Store) ListFlaggedForReview() []string {
	return s.Select(func(r *Record) bool { return r.NeedsReview })
}

// ListInterrupted returns the sorted ids of records with capture done,
// distill not done, and no failure recorded.
func (s *Store) ListInterrupted() []string {
	return s.Select(func(r *Record) bool { return r.Interrupted() })
}

// Stats returns counts across all records.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	if err := s.ensureLoaded(); err != nil {
		return st
	}
	for _, r := range s.state.Processed {
		st.Total++
		switch {
		case r.Complete():
			st.Done++
		case r.NeedsReview:
			st.Review++
		case r.hasError():
			st.Error++
		default:
			st.InProgress++
		}
	}
	return st
}

// Select returns the sorted ids of records for which match reports true.
// match must not modify the record or call back into the store.
func (s *Store) Select(match func(*Record) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		s.logger.Error("state load failed", "error", err)
		return nil
	}
	var ids []string
	for id, r := range s.state.Processed {
		if match(r) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// update applies fn to a copy of id's record, persists the whole store,
// and only then swaps the in-memory view.
func (s *Store) update(id string, fn func(r *Record, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}

	now := s.now()
	rec := s.state.Processed[id].clone()
	if rec == nil {
		rec = &Record{StageStatus: map[Stage]*StageEntry{}, FirstSeenAt: now}
	}
	fn(rec, now)
	rec.UpdatedAt = now

	next := &fileState{
		Processed:   make(map[string]*Record, len(s.state.Processed)+1),
		LastUpdated: &now,
	}
	for k, v := range s.state.Processed {
		next.Processed[k] = v
	}
	next.Processed[id] = rec

	if err := fsutil.WriteJSONAtomic(s.path, next, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	s.state = next
	return nil
}

func (r *Record) appendAttempt(a Attempt) {
	r.Attempts = append(r.Attempts, a)
}
