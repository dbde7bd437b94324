package core

import (
	"context"
	"time"
)

// Store abstracts the persistence layer used by the lifecycle manager,
// orchestrator and housekeeping sweep.
type Store interface {
	// Action operations
	GetAction(ctx context.Context, id int64) (*Action, error)
	ListActions(ctx context.Context) ([]*Action, error)

	// Run operations
	InsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	FindActiveRunForAction(ctx context.Context, actionID int64) (*Run, error)
	ListActiveActionRuns(ctx context.Context) ([]*Run, error)
	MarkRunEnded(ctx context.Context, id int64, endedAt time.Time) error
	SetRunInstanceID(ctx context.Context, id int64, instanceID string) error
	ListEndedRunIDs(ctx context.Context) ([]int64, error)
	DeleteEndedRuns(ctx context.Context, ids []int64) (int64, error)

	// Note operations
	InsertNote(ctx context.Context, note *Note) error
	LatestNote(ctx context.Context, runID int64) (*Note, error)
	PruneNotes(ctx context.Context, runID, keepID int64) error
}

// Runner starts and stops sessions on the remote automation-execution service.
type Runner interface {
	Start(ctx context.Context, action *Action, correlationID int64) (string, error)
	Stop(ctx context.Context, instanceID, apiKey string) error
}

// ArtifactStore keeps screenshot payloads addressed by run.
type ArtifactStore interface {
	Save(runID int64, data []byte) (string, error)
	Remove(runID int64, name string) error
	RemoveRun(runID int64) error
	URL(runID int64, name string) string
}

// Notifier delivers a message to an action's notification channel.
type Notifier interface {
	Notify(ctx context.Context, msg Notification) error
}

// Notification is a channel message, optionally carrying a screenshot URL.
type Notification struct {
	ChannelID string
	Title     string
	Body      string
	ImageURL  string
}
