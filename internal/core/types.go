package core

import (
	"fmt"
	"strings"
	"time"
)

// NoteStatus describes the reported state of a run at the time a note was recorded.
type NoteStatus string

const (
	NoteStatusPending    NoteStatus = "pending"
	NoteStatusInProgress NoteStatus = "in_progress"
	NoteStatusCompleted  NoteStatus = "completed"
	NoteStatusFailed     NoteStatus = "failed"
	NoteStatusRetrying   NoteStatus = "retrying"
	NoteStatusSkipped    NoteStatus = "skipped"
)

// Valid reports whether s is one of the known note statuses.
func (s NoteStatus) Valid() bool {
	switch s {
	case NoteStatusPending, NoteStatusInProgress, NoteStatusCompleted,
		NoteStatusFailed, NoteStatusRetrying, NoteStatusSkipped:
		return true
	default:
		return false
	}
}

// Action is a reusable automation template executed on the remote service.
type Action struct {
	ID        int64
	Name      string
	Slug      string
	APIKey    string
	TaskURL   *string
	Interval  *time.Duration
	ChannelID *string
	CreatedAt time.Time
}

// Recurring reports whether the action re-triggers itself on an interval.
func (a *Action) Recurring() bool {
	return a.Interval != nil && *a.Interval > 0
}

// Validate checks the invariants of an action template before it is persisted.
func (a *Action) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("action name is required")
	}
	if strings.TrimSpace(a.Slug) == "" {
		return fmt.Errorf("action slug is required")
	}
	if strings.TrimSpace(a.APIKey) == "" {
		return fmt.Errorf("action api key is required")
	}
	if a.Interval != nil && *a.Interval <= 0 {
		return fmt.Errorf("action interval must be positive, got %s", *a.Interval)
	}
	return nil
}

// Run (an automation) is one execution of an action, or an ad-hoc unnamed run.
type Run struct {
	ID         int64
	Name       string
	ActionID   *int64
	InstanceID *string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// Active reports whether the run has not been ended yet.
func (r *Run) Active() bool {
	return r.EndedAt == nil
}

// Note is a status/artifact record attached to a run.
type Note struct {
	ID        int64
	RunID     int64
	Status    NoteStatus
	Image     *string
	CreatedAt time.Time
}

// RunFilter narrows run listings. A nil Ended lists every run.
type RunFilter struct {
	Ended *bool
}

// StartResult is returned by a successful StartAction.
type StartResult struct {
	Action     *Action
	Run        *Run
	InstanceID string
}
