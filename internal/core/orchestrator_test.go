package core_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionrunner/internal/core"
)

func TestStartActionCreatesRunWithInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", 0)

	res, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", res.InstanceID)
	assert.Equal(t, action.Name, res.Run.Name)
	assert.True(t, res.Run.Active())

	run, err := h.store.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	require.NotNil(t, run.InstanceID)
	assert.Equal(t, "inst-1", *run.InstanceID)
	assert.Equal(t, []int64{run.ID}, h.runner.starts, "run id is the correlation id")
	assert.False(t, h.scheduler.IsRegistered(action.ID))
}

func TestStartActionTwiceReplacesActiveRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", 0)

	first, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)
	second, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)

	active := h.activeRuns(t, action.ID)
	require.Len(t, active, 1)
	assert.Equal(t, second.Run.ID, active[0].ID)

	prev, err := h.store.GetRun(ctx, first.Run.ID)
	require.NoError(t, err)
	assert.False(t, prev.Active())
	assert.Equal(t, []string{"inst-1"}, h.runner.stopped())
	assert.Equal(t, []string{action.APIKey}, h.runner.stopKeys)
}

func TestStartUnknownActionIsNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.orchestrator.StartAction(context.Background(), 999)
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
	assert.Zero(t, h.runner.startCount())
	assert.Empty(t, h.allRuns(t))
}

func TestStartRejectedEndsRunAndKeepsMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", time.Hour)
	h.runner.startErr = func(int) error { return &core.RemoteRejectedError{Message: "quota exceeded"} }

	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.ErrorIs(t, err, core.ErrRemoteRejected)
	assert.Equal(t, "quota exceeded", err.Error())

	runs := h.allRuns(t)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Active())
	assert.Nil(t, runs[0].InstanceID)
	assert.Empty(t, h.runner.stopped(), "nothing to stop remotely without an instance id")
	assert.False(t, h.scheduler.IsRegistered(action.ID))

	require.Eventually(t, func() bool { return len(h.notifier.messages()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, h.notifier.messages()[0].Body, "quota exceeded")
}

func TestStartUnavailableIsReturnedUnchanged(t *testing.T) {
	h := newHarness(t)
	action := h.action(t, "visa", 0)
	remoteErr := fmt.Errorf("%w: connection refused", core.ErrRemoteUnavailable)
	h.runner.startErr = func(int) error { return remoteErr }

	_, err := h.orchestrator.StartAction(context.Background(), action.ID)
	assert.Same(t, remoteErr, err)
	assert.Empty(t, h.activeRuns(t, action.ID))
}

func TestStartAttachFailureStopsRemoteAndEndsRun(t *testing.T) {
	h := newHarness(t)
	action := h.action(t, "visa", time.Hour)
	h.flaky.failInstanceID = true

	_, err := h.orchestrator.StartAction(context.Background(), action.ID)
	require.ErrorIs(t, err, core.ErrInternal)

	assert.Equal(t, []string{"inst-1"}, h.runner.stopped())
	assert.Empty(t, h.activeRuns(t, action.ID))
	assert.False(t, h.scheduler.IsRegistered(action.ID))
}

func TestStartEndsRunWhenCallerGoesAwayDuringRemoteStart(t *testing.T) {
	h := newHarness(t)
	action := h.action(t, "visa", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.startErr = func(int) error {
		cancel()
		return fmt.Errorf("%w: %w", core.ErrRemoteUnavailable, context.Canceled)
	}

	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.ErrorIs(t, err, core.ErrRemoteUnavailable)

	assert.Empty(t, h.activeRuns(t, action.ID))
	runs := h.allRuns(t)
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].EndedAt)
}

func TestAttachFailureCleanupOutlivesCallerContext(t *testing.T) {
	h := newHarness(t)
	action := h.action(t, "visa", 0)
	h.flaky.failInstanceID = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.startErr = func(int) error {
		cancel()
		return nil
	}

	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.Error(t, err)

	assert.Equal(t, []string{"inst-1"}, h.runner.stopped())
	h.runner.mu.Lock()
	assert.Equal(t, []error{nil}, h.runner.stopCtxErrs)
	h.runner.mu.Unlock()
	assert.Empty(t, h.activeRuns(t, action.ID))
}

func TestStopActionWithoutActiveRunIsNoop(t *testing.T) {
	h := newHarness(t)
	action := h.action(t, "visa", 0)

	run, err := h.orchestrator.StopAction(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Nil(t, run)

	run, err = h.orchestrator.StopAction(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Empty(t, h.runner.stopped())
}

func TestStopUnknownActionIsNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator.StopAction(context.Background(), 77)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStopActionKeepsRecurrenceTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", time.Hour)

	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)
	require.True(t, h.scheduler.IsRegistered(action.ID))

	run, err := h.orchestrator.StopAction(ctx, action.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.False(t, run.Active())
	assert.True(t, h.scheduler.IsRegistered(action.ID))
	assert.NotNil(t, h.scheduler.NextTick(action.ID))
}

func TestStopActionIgnoresRemoteStopFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", 0)
	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)

	h.runner.stopErr = fmt.Errorf("%w: timeout", core.ErrRemoteUnavailable)
	run, err := h.orchestrator.StopAction(ctx, action.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Empty(t, h.activeRuns(t, action.ID))
}

func TestCancelRecurrenceRemovesTimerAndStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", time.Hour)
	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)

	require.NoError(t, h.orchestrator.CancelRecurrence(ctx, action.ID))
	assert.False(t, h.scheduler.IsRegistered(action.ID))
	assert.Nil(t, h.scheduler.NextTick(action.ID))
	assert.Empty(t, h.activeRuns(t, action.ID))

	// Cancelling again is harmless.
	require.NoError(t, h.orchestrator.CancelRecurrence(ctx, action.ID))
}

func TestCancelWithoutTimerStillStopsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "once", 0)
	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Cancel(ctx, action.ID))
	assert.Empty(t, h.activeRuns(t, action.ID))
	assert.Equal(t, []string{"inst-1"}, h.runner.stopped())
}

func TestCancelRecurrenceUnknownAction(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.orchestrator.CancelRecurrence(context.Background(), 5), core.ErrNotFound)
}

func TestRecurringActionIsRestartedOnEveryTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "poll", 40*time.Millisecond)

	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.runner.startCount() >= 4 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orchestrator.CancelRecurrence(ctx, action.ID))
	settled := h.runner.startCount()
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, h.runner.startCount(), settled+1, "no ticks after cancellation")

	assert.Empty(t, h.activeRuns(t, action.ID))
	runs := h.allRuns(t)
	assert.GreaterOrEqual(t, len(runs), 4)
	for _, run := range runs {
		assert.False(t, run.Active(), "run %d left active", run.ID)
	}
}

func TestTickFailureStopsActionAndKeepsTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "poll", 40*time.Millisecond)
	h.runner.startErr = func(n int) error {
		if n == 2 {
			return &core.RemoteRejectedError{Message: "busy"}
		}
		return nil
	}

	_, err := h.orchestrator.StartAction(ctx, action.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.runner.startCount() >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, h.scheduler.IsRegistered(action.ID))
	assert.LessOrEqual(t, len(h.activeRuns(t, action.ID)), 1)
}

func TestConcurrentStartsLeaveOneActiveRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", 0)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orchestrator.StartAction(ctx, action.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("start: %v", err)
	}

	assert.Len(t, h.activeRuns(t, action.ID), 1)
	assert.Len(t, h.allRuns(t), 8)
	assert.Len(t, h.runner.stopped(), 7)
}

func TestStartHonoursContextWhileWaitingForLock(t *testing.T) {
	h := newHarness(t)
	action := h.action(t, "visa", 0)

	release := make(chan struct{})
	entered := make(chan struct{})
	h.runner.startErr = func(n int) error {
		if n == 1 {
			close(entered)
			<-release
		}
		return nil
	}
	go func() { _, _ = h.orchestrator.StartAction(context.Background(), action.ID) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.orchestrator.StopAction(ctx, action.ID)
	assert.ErrorIs(t, err, core.ErrConflict)

	other := h.action(t, "other", 0)
	_, err = h.orchestrator.StopAction(context.Background(), other.ID)
	assert.NoError(t, err, "different actions never contend")
	close(release)
}

func TestReconcileResumesTimers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recurring := h.action(t, "poll", time.Hour)
	once := h.action(t, "once", 0)

	require.NoError(t, h.orchestrator.Reconcile(ctx, false))
	assert.Empty(t, h.scheduler.Registered())

	require.NoError(t, h.orchestrator.Reconcile(ctx, true))
	assert.Equal(t, []int64{recurring.ID}, h.scheduler.Registered())
	assert.False(t, h.scheduler.IsRegistered(once.ID))
}

func TestReconcileLeavesActiveRunsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	action := h.action(t, "visa", 0)
	run, err := h.lifecycle.CreateRun(ctx, action, "")
	require.NoError(t, err)

	require.NoError(t, h.orchestrator.Reconcile(ctx, true))
	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Active())
}

func TestLifecycleNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lifecycle.EndRun(ctx, 404, time.Now())
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, h.lifecycle.SetRemoteInstanceID(ctx, 404, "x"), core.ErrNotFound)

	run, err := h.lifecycle.CreateRun(ctx, nil, "manual")
	require.NoError(t, err)
	_, err = h.lifecycle.LatestNoteForRun(ctx, run.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	ended, err := h.lifecycle.EndActiveRunForAction(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, ended)
}

func TestEndRunPrunesAllButLatestNote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.lifecycle.CreateRun(ctx, nil, "manual")
	require.NoError(t, err)

	var last *core.Note
	for _, status := range []core.NoteStatus{core.NoteStatusPending, core.NoteStatusRetrying, core.NoteStatusFailed} {
		last, err = h.lifecycle.AddNote(ctx, core.NoteInput{RunID: run.ID, Status: status})
		require.NoError(t, err)
	}

	ended, err := h.lifecycle.EndRun(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ended.Active())

	count, err := h.store.CountNotes(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	latest, err := h.lifecycle.LatestNoteForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, latest.ID)
	assert.Equal(t, core.NoteStatusFailed, latest.Status)
}

func TestEndRunWithoutNotes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.lifecycle.CreateRun(ctx, nil, "manual")
	require.NoError(t, err)

	_, err = h.lifecycle.EndRun(ctx, run.ID, time.Now())
	assert.NoError(t, err)
}

func TestAddNoteStoresScreenshotAndNotifiesChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	channel := "-100200"
	action := &core.Action{Name: "visa", Slug: "s", APIKey: "k", ChannelID: &channel}
	require.NoError(t, h.store.InsertAction(ctx, action))
	run, err := h.lifecycle.CreateRun(ctx, action, "")
	require.NoError(t, err)

	note, err := h.lifecycle.AddNote(ctx, core.NoteInput{
		RunID:         run.ID,
		Status:        core.NoteStatusCompleted,
		Image:         []byte{0xff, 0xd8, 0xff},
		SendToChannel: true,
	})
	require.NoError(t, err)
	require.NotNil(t, note.Image)

	data, err := os.ReadFile(h.artifacts.Path(run.ID, *note.Image))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, channel, msgs[0].ChannelID)
	assert.Equal(t, "https://runner.test/screenshots/"+strconv.FormatInt(run.ID, 10)+"/"+*note.Image, msgs[0].ImageURL)
}

func TestAddNoteRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.lifecycle.CreateRun(ctx, nil, "manual")
	require.NoError(t, err)

	_, err = h.lifecycle.AddNote(ctx, core.NoteInput{RunID: run.ID, Status: "exploded"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = h.lifecycle.AddNote(ctx, core.NoteInput{RunID: 999})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAddNoteRemovesScreenshotWhenInsertFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.lifecycle.CreateRun(ctx, nil, "manual")
	require.NoError(t, err)
	h.flaky.failInsertNote = true

	_, err = h.lifecycle.AddNote(ctx, core.NoteInput{RunID: run.ID, Image: []byte{0xff, 0xd8, 0xff}})
	require.ErrorIs(t, err, core.ErrInternal)

	entries, err := os.ReadDir(filepath.Join(h.artifacts.Dir(), strconv.FormatInt(run.ID, 10)))
	if err == nil {
		assert.Empty(t, entries)
	} else {
		assert.ErrorIs(t, err, os.ErrNotExist)
	}
}

func TestSweepRemovesEndedRunsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	housekeeper := core.NewHousekeeper(h.store, h.artifacts, testLogger())

	ended, err := h.lifecycle.CreateRun(ctx, nil, "ended")
	require.NoError(t, err)
	note, err := h.lifecycle.AddNote(ctx, core.NoteInput{RunID: ended.ID, Image: []byte("jpeg")})
	require.NoError(t, err)
	_, err = h.lifecycle.EndRun(ctx, ended.ID, time.Now())
	require.NoError(t, err)

	bare, err := h.lifecycle.CreateRun(ctx, nil, "no artifacts")
	require.NoError(t, err)
	_, err = h.lifecycle.EndRun(ctx, bare.ID, time.Now())
	require.NoError(t, err)

	active, err := h.lifecycle.CreateRun(ctx, nil, "active")
	require.NoError(t, err)
	_, err = h.lifecycle.AddNote(ctx, core.NoteInput{RunID: active.ID})
	require.NoError(t, err)

	deleted, err := housekeeper.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	_, err = h.store.GetRun(ctx, ended.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = os.Stat(h.artifacts.Path(ended.ID, *note.Image))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Dir(h.artifacts.Path(ended.ID, *note.Image)))
	assert.True(t, os.IsNotExist(err))

	got, err := h.store.GetRun(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, got.Active())
	count, err := h.store.CountNotes(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err = housekeeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestRegisterIsIdempotent(t *testing.T) {
	h := newHarness(t)

	created, err := h.scheduler.Register(1, time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = h.scheduler.Register(1, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []int64{1}, h.scheduler.Registered())

	_, err = h.scheduler.Register(2, 0)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, err = h.scheduler.Register(2, -time.Second)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestAddMaintenanceValidatesExpression(t *testing.T) {
	h := newHarness(t)
	noop := func(context.Context) error { return nil }
	assert.NoError(t, h.scheduler.AddMaintenance("sweep", "0 0 * * *", noop))
	assert.Error(t, h.scheduler.AddMaintenance("sweep", "@daily", noop))
	assert.Error(t, h.scheduler.AddMaintenance("sweep", "not cron", noop))
}
