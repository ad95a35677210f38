package state

import "time"

// Stage is one step of the two-stage pipeline.
type Stage string

const (
	StageCapture Stage = "capture"
	StageDistill Stage = "distill"
)

// Stages lists pipeline stages in execution order.
var Stages = []Stage{StageCapture, StageDistill}

// Status is the state of one stage for one item.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// MetaOutputLocation is the stage meta key that sets Record.OutputLocation.
const MetaOutputLocation = "output_location"

// StageEntry records the outcome of one stage.
type StageEntry struct {
	Status      Status            `json:"status"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Attempt is one entry of a record's append-only history.
type Attempt struct {
	At      time.Time `json:"at"`
	Stage   Stage     `json:"stage"`
	Outcome Status    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

// Record is the durable processing state of one item.
// NeedsReview implies at least one stage is not done.
type Record struct {
	StageStatus    map[Stage]*StageEntry `json:"stage_status"`
	OutputLocation string                `json:"output_location,omitempty"`
	NeedsReview    bool                  `json:"needs_review"`
	LastError      *string               `json:"last_error"`
	FirstSeenAt    time.Time             `json:"first_seen_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Attempts       []Attempt             `json:"attempts,omitempty"`
}

// StageStatusOf returns the status of stage, or pending if it has no entry.
func (r *Record) StageStatusOf(stage Stage) Status {
	if r == nil || r.StageStatus == nil {
		return StatusPending
	}
	if e, ok := r.StageStatus[stage]; ok && e != nil {
		return e.Status
	}
	return StatusPending
}

// StageDone reports whether stage completed.
func (r *Record) StageDone(stage Stage) bool {
	return r.StageStatusOf(stage) == StatusDone
}

// Complete reports whether every stage is done.
func (r *Record) Complete() bool {
	for _, s := range Stages {
		if !r.StageDone(s) {
			return false
		}
	}
	return true
}

// Interrupted reports whether capture finished but distill did not, with no
// failure recorded. This is the shape a crash between stages leaves behind.
func (r *Record) Interrupted() bool {
	return r.StageDone(StageCapture) && !r.StageDone(StageDistill) && !r.NeedsReview &&
		r.StageStatusOf(StageDistill) != StatusError
}

func (r *Record) hasError() bool {
	for _, s := range Stages {
		if r.StageStatusOf(s) == StatusError {
			return true
		}
	}
	return false
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.StageStatus = make(map[Stage]*StageEntry, len(r.StageStatus))
	for k, v := range r.StageStatus {
		if v == nil {
			continue
		}
		e := *v
		if v.Meta != nil {
			e.Meta = make(map[string]string, len(v.Meta))
			for mk, mv := range v.Meta {
				e.Meta[mk] = mv
			}
		}
		if v.CompletedAt != nil {
			t := *v.CompletedAt
			e.CompletedAt = &t
		}
		c.StageStatus[k] = &e
	}
	if r.LastError != nil {
		s := *r.LastError
		c.LastError = &s
	}
	c.Attempts = append([]Attempt(nil), r.Attempts...)
	return &c
}
