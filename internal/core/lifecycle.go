package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Lifecycle translates run intents into store mutations. It never talks to the
// remote service; it is the single authority for "is this action running".
type Lifecycle struct {
	store     Store
	artifacts ArtifactStore
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewLifecycle creates a lifecycle manager. artifacts and notifier may be nil
// when notes never carry screenshots.
func NewLifecycle(store Store, artifacts ArtifactStore, notifier Notifier, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:     store,
		artifacts: artifacts,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun persists a new active run. action is nil for ad-hoc runs.
func (l *Lifecycle) CreateRun(ctx context.Context, action *Action, name string) (*Run, error) {
	name = strings.TrimSpace(name)
	if name == "" && action != nil {
		name = action.Name
	}
	run := &Run{
		Name:      name,
		StartedAt: l.now(),
	}
	if action != nil {
		id := action.ID
		run.ActionID = &id
	}
	if err := l.store.InsertRun(ctx, run); err != nil {
		return nil, Internal("create run", err)
	}
	return run, nil
}

// EndActiveRunForAction ends the active run referencing actionID. It returns
// (nil, nil) when the action has no active run.
func (l *Lifecycle) EndActiveRunForAction(ctx context.Context, actionID int64) (*Run, error) {
	run, err := l.store.FindActiveRunForAction(ctx, actionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, Internal("find active run", err)
	}
	return l.EndRun(ctx, run.ID, l.now())
}

// EndRun sets the end timestamp of a run and prunes its notes down to the most
// recent one.
func (l *Lifecycle) EndRun(ctx context.Context, runID int64, endedAt time.Time) (*Run, error) {
	if err := l.store.MarkRunEnded(ctx, runID, endedAt.UTC()); err != nil {
		return nil, Internal("end run", err)
	}
	if err := l.pruneNotes(ctx, runID); err != nil {
		return nil, err
	}
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, Internal("load ended run", err)
	}
	return run, nil
}

func (l *Lifecycle) pruneNotes(ctx context.Context, runID int64) error {
	latest, err := l.store.LatestNote(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return Internal("prune notes", err)
	}
	if err := l.store.PruneNotes(ctx, runID, latest.ID); err != nil {
		return Internal("prune notes", err)
	}
	return nil
}

// SetRemoteInstanceID attaches the remote instance identifier to a run.
func (l *Lifecycle) SetRemoteInstanceID(ctx context.Context, runID int64, instanceID string) error {
	if err := l.store.SetRunInstanceID(ctx, runID, instanceID); err != nil {
		return Internal("set instance id", err)
	}
	return nil
}

// LatestNoteForRun returns the most recently created note of a run.
func (l *Lifecycle) LatestNoteForRun(ctx context.Context, runID int64) (*Note, error) {
	note, err := l.store.LatestNote(ctx, runID)
	if err != nil {
		return nil, Internal("latest note", err)
	}
	return note, nil
}

// ListActiveRunsWithAction returns every active run that references an action.
func (l *Lifecycle) ListActiveRunsWithAction(ctx context.Context) ([]*Run, error) {
	runs, err := l.store.ListActiveActionRuns(ctx)
	if err != nil {
		return nil, Internal("list active action runs", err)
	}
	return runs, nil
}

// ListRuns lists runs, optionally filtered by ended state.
func (l *Lifecycle) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	runs, err := l.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, Internal("list runs", err)
	}
	return runs, nil
}

// GetRun loads a single run.
func (l *Lifecycle) GetRun(ctx context.Context, runID int64) (*Run, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, Internal("get run", err)
	}
	return run, nil
}

// NoteInput is a status callback reported against a run.
type NoteInput struct {
	RunID         int64
	Status        NoteStatus
	Image         []byte
	SendToChannel bool
}

// AddNote records a status note, storing the screenshot (if any) as an
// artifact of the run. With SendToChannel the screenshot is also posted to the
// originating action's notification channel.
func (l *Lifecycle) AddNote(ctx context.Context, in NoteInput) (*Note, error) {
	if in.Status == "" {
		in.Status = NoteStatusPending
	}
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: note status %q", ErrInvalidInput, in.Status)
	}
	run, err := l.store.GetRun(ctx, in.RunID)
	if err != nil {
		return nil, Internal("get run for note", err)
	}

	note := &Note{
		RunID:     run.ID,
		Status:    in.Status,
		CreatedAt: l.now(),
	}
	if len(in.Image) > 0 {
		if l.artifacts == nil {
			return nil, Internal("save artifact", errors.New("artifact storage not configured"))
		}
		name, err := l.artifacts.Save(run.ID, in.Image)
		if err != nil {
			return nil, Internal("save artifact", err)
		}
		note.Image = &name
	}
	if err := l.store.InsertNote(ctx, note); err != nil {
		if note.Image != nil {
			if rmErr := l.artifacts.Remove(run.ID, *note.Image); rmErr != nil {
				l.logger.Warn("remove orphaned artifact", "run_id", run.ID, "name", *note.Image, "err", rmErr)
			}
		}
		return nil, Internal("insert note", err)
	}

	if in.SendToChannel && note.Image != nil {
		l.notifyChannel(ctx, run, note)
	}
	return note, nil
}

func (l *Lifecycle) notifyChannel(ctx context.Context, run *Run, note *Note) {
	if l.notifier == nil || run.ActionID == nil {
		return
	}
	action, err := l.store.GetAction(ctx, *run.ActionID)
	if err != nil {
		l.logger.Warn("load action for channel notification", "run_id", run.ID, "err", err)
		return
	}
	if action.ChannelID == nil || *action.ChannelID == "" {
		return
	}
	msg := Notification{
		ChannelID: *action.ChannelID,
		Title:     action.Name,
		Body:      fmt.Sprintf("Status: %s\n%s", note.Status, note.CreatedAt.Format(time.RFC3339)),
		ImageURL:  l.artifacts.URL(run.ID, *note.Image),
	}
	if err := l.notifier.Notify(ctx, msg); err != nil {
		l.logger.Warn("send channel notification", "run_id", run.ID, "channel_id", msg.ChannelID, "err", err)
	}
}
