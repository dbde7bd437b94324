package core_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"actionrunner/internal/core"
	"actionrunner/internal/store"
)

type fakeRunner struct {
	mu       sync.Mutex
	n        int
	starts   []int64
	stops    []string
	stopKeys []string
	// stopCtxErrs records ctx.Err() as seen by each stop.
	stopCtxErrs []error
	// startErr, when set, decides the outcome of the nth start (1-based).
	startErr func(n int) error
	stopErr  error
}

func (f *fakeRunner) Start(_ context.Context, _ *core.Action, correlationID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.starts = append(f.starts, correlationID)
	if f.startErr != nil {
		if err := f.startErr(f.n); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("inst-%d", f.n), nil
}

func (f *fakeRunner) Stop(ctx context.Context, instanceID, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, instanceID)
	f.stopCtxErrs = append(f.stopCtxErrs, ctx.Err())
	f.stopKeys = append(f.stopKeys, apiKey)
	return f.stopErr
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeRunner) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []core.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, msg core.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

func (r *recordingNotifier) messages() []core.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Notification(nil), r.got...)
}

// flakyStore fails selected writes on demand.
type flakyStore struct {
	core.Store
	failInstanceID bool
	failInsertNote bool
}

func (s *flakyStore) InsertNote(ctx context.Context, note *core.Note) error {
	if s.failInsertNote {
		return errors.New("database is locked")
	}
	return s.Store.InsertNote(ctx, note)
}

func (s *flakyStore) SetRunInstanceID(ctx context.Context, id int64, instanceID string) error {
	if s.failInstanceID {
		return errors.New("disk I/O error")
	}
	return s.Store.SetRunInstanceID(ctx, id, instanceID)
}

type harness struct {
	store        *store.Store
	flaky        *flakyStore
	artifacts    *store.Artifacts
	runner       *fakeRunner
	notifier     *recordingNotifier
	scheduler    *core.Scheduler
	lifecycle    *core.Lifecycle
	orchestrator *core.Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	artifacts, err := store.NewArtifacts(dir+"/screenshots", "https://runner.test")
	require.NoError(t, err)

	logger := testLogger()
	h := &harness{
		store:     st,
		flaky:     &flakyStore{Store: st},
		artifacts: artifacts,
		runner:    &fakeRunner{},
		notifier:  &recordingNotifier{},
	}
	h.scheduler = core.NewScheduler(logger, time.UTC)
	h.lifecycle = core.NewLifecycle(h.flaky, artifacts, h.notifier, logger)
	h.orchestrator = core.NewOrchestrator(h.flaky, h.lifecycle, h.runner, h.scheduler, h.notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.scheduler.Start(ctx)
	t.Cleanup(func() {
		<-h.scheduler.Stop().Done()
		cancel()
	})
	return h
}

func (h *harness) action(t *testing.T, name string, interval time.Duration) *core.Action {
	t.Helper()
	action := &core.Action{Name: name, Slug: "slug-" + name, APIKey: "key-" + name}
	if interval > 0 {
		action.Interval = &interval
	}
	require.NoError(t, h.store.InsertAction(context.Background(), action))
	return action
}

func (h *harness) activeRuns(t *testing.T, actionID int64) []*core.Run {
	t.Helper()
	active := false
	runs, err := h.store.ListRuns(context.Background(), core.RunFilter{Ended: &active})
	require.NoError(t, err)
	var out []*core.Run
	for _, run := range runs {
		if run.ActionID != nil && *run.ActionID == actionID {
			out = append(out, run)
		}
	}
	return out
}

func (h *harness) allRuns(t *testing.T) []*core.Run {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), core.RunFilter{})
	require.NoError(t, err)
	return runs
}
