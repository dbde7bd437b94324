package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionrunner/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedAction(t *testing.T, st *Store, name string) *core.Action {
	t.Helper()
	action := &core.Action{Name: name, Slug: "scraper", APIKey: "key-" + name}
	require.NoError(t, st.InsertAction(context.Background(), action))
	return action
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestActionRoundTripAndUpsert(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	interval := 90 * time.Second
	taskURL := "https://example.com/item"
	channel := "-100123"
	action := &core.Action{Name: "watch", Slug: "scraper", APIKey: "k1", TaskURL: &taskURL, Interval: &interval, ChannelID: &channel}
	require.NoError(t, st.InsertAction(ctx, action))
	require.NotZero(t, action.ID)

	got, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "watch", got.Name)
	require.NotNil(t, got.Interval)
	assert.Equal(t, interval, *got.Interval)
	assert.Equal(t, taskURL, *got.TaskURL)
	assert.Equal(t, channel, *got.ChannelID)

	update := &core.Action{Name: "watch", Slug: "scraper-v2", APIKey: "k2"}
	require.NoError(t, st.UpsertAction(ctx, update))
	assert.Equal(t, action.ID, update.ID)

	got, err = st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "scraper-v2", got.Slug)
	assert.Nil(t, got.Interval)

	actions, err := st.ListActions(ctx)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestActionValidation(t *testing.T) {
	st := openTestStore(t)
	zero := time.Duration(0)
	err := st.InsertAction(context.Background(), &core.Action{Name: "bad", Slug: "s", APIKey: "k", Interval: &zero})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.GetAction(ctx, 42)
	assert.ErrorIs(t, err, ErrActionNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = st.GetRun(ctx, 42)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = st.LatestNote(ctx, 42)
	assert.ErrorIs(t, err, ErrNoteNotFound)

	assert.ErrorIs(t, st.MarkRunEnded(ctx, 42, time.Now()), ErrRunNotFound)
	assert.ErrorIs(t, st.SetRunInstanceID(ctx, 42, "x"), ErrRunNotFound)
}

func TestActiveRunQueries(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	action := seedAction(t, st, "a")

	_, err := st.FindActiveRunForAction(ctx, action.ID)
	require.ErrorIs(t, err, core.ErrNotFound)

	run := &core.Run{Name: "a", ActionID: &action.ID}
	require.NoError(t, st.InsertRun(ctx, run))
	adhoc := &core.Run{Name: "manual"}
	require.NoError(t, st.InsertRun(ctx, adhoc))

	active, err := st.FindActiveRunForAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)
	assert.Nil(t, active.InstanceID)

	require.NoError(t, st.SetRunInstanceID(ctx, run.ID, "inst-1"))
	withAction, err := st.ListActiveActionRuns(ctx)
	require.NoError(t, err)
	require.Len(t, withAction, 1)
	assert.Equal(t, "inst-1", *withAction[0].InstanceID)

	require.NoError(t, st.MarkRunEnded(ctx, run.ID, time.Now()))
	_, err = st.FindActiveRunForAction(ctx, action.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	ended := true
	runs, err := st.ListRuns(ctx, core.RunFilter{Ended: &ended})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.False(t, runs[0].Active())

	all, err := st.ListRuns(ctx, core.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNotesLatestAndPrune(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	run := &core.Run{Name: "r"}
	require.NoError(t, st.InsertRun(ctx, run))

	var last *core.Note
	for _, status := range []core.NoteStatus{core.NoteStatusPending, core.NoteStatusInProgress, core.NoteStatusCompleted} {
		last = &core.Note{RunID: run.ID, Status: status}
		require.NoError(t, st.InsertNote(ctx, last))
	}

	latest, err := st.LatestNote(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, latest.ID)
	assert.Equal(t, core.NoteStatusCompleted, latest.Status)

	require.NoError(t, st.PruneNotes(ctx, run.ID, latest.ID))
	count, err := st.CountNotes(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteEndedRunsSkipsActive(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	ended := &core.Run{Name: "ended"}
	active := &core.Run{Name: "active"}
	require.NoError(t, st.InsertRun(ctx, ended))
	require.NoError(t, st.InsertRun(ctx, active))
	require.NoError(t, st.InsertNote(ctx, &core.Note{RunID: ended.ID}))
	require.NoError(t, st.InsertNote(ctx, &core.Note{RunID: active.ID}))
	require.NoError(t, st.MarkRunEnded(ctx, ended.ID, time.Now()))

	ids, err := st.ListEndedRunIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ended.ID}, ids)

	deleted, err := st.DeleteEndedRuns(ctx, []int64{ended.ID, active.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = st.GetRun(ctx, ended.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = st.GetRun(ctx, active.ID)
	assert.NoError(t, err)

	count, err := st.CountNotes(ctx, ended.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = st.CountNotes(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "screenshots")
	arts, err := NewArtifacts(dir, "https://runner.example.com/")
	require.NoError(t, err)

	name, err := arts.Save(7, []byte("jpeg"))
	require.NoError(t, err)
	assert.True(t, filepath.Ext(name) == ".jpeg")

	data, err := os.ReadFile(arts.Path(7, name))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
	assert.Equal(t, "https://runner.example.com/screenshots/7/"+name, arts.URL(7, name))

	other, err := arts.Save(7, []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, arts.Remove(7, other))
	_, err = os.Stat(arts.Path(7, other))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, arts.Remove(7, other))

	require.NoError(t, arts.RemoveRun(7))
	_, err = os.Stat(filepath.Join(dir, "7"))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, arts.RemoveRun(7))
}

func TestInsertActionDuplicateName(t *testing.T) {
	st := openTestStore(t)
	seedAction(t, st, "dup")
	err := st.InsertAction(context.Background(), &core.Action{Name: "dup", Slug: "s", APIKey: "k"})
	assert.ErrorIs(t, err, ErrActionExists)
	assert.ErrorIs(t, err, core.ErrConflict)
}
