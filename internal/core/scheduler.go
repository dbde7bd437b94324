package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"actionrunner/internal/metrics"
)

// Trigger is the orchestration surface driven by recurrence ticks.
type Trigger interface {
	StartAction(ctx context.Context, actionID int64) (*StartResult, error)
	StopAction(ctx context.Context, actionID int64) (*Run, error)
}

// Scheduler owns the recurrence timers, at most one per action, and the
// fixed-cycle maintenance jobs. Timer handles are process-local.
type Scheduler struct {
	trigger  Trigger
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	cronLog cron.Logger
	entryMu sync.Mutex
	entries map[int64]cron.EntryID

	ctx context.Context
}

// NewScheduler constructs a scheduler. Maintenance cron expressions are
// evaluated in location.
func NewScheduler(logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
		cron.WithLogger(cl),
	)
	return &Scheduler{
		logger:   logger,
		location: location,
		cron:     c,
		cronLog:  cl,
		entries:  make(map[int64]cron.EntryID),
	}
}

// bind sets the trigger invoked by ticks. Called once by NewOrchestrator.
func (s *Scheduler) bind(trigger Trigger) {
	s.trigger = trigger
}

// Start begins the timer loop. ctx is handed to every tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the timer loop; the returned context is done once in-flight ticks finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Register starts a recurring timer for actionID. It returns false without
// changing anything when a timer already exists for the action.
func (s *Scheduler) Register(actionID int64, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("%w: recurrence interval must be positive, got %s", ErrInvalidInput, interval)
	}

	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	if _, ok := s.entries[actionID]; ok {
		return false, nil
	}
	job := cron.NewChain(cron.SkipIfStillRunning(s.cronLog)).Then(cron.FuncJob(func() {
		s.tick(actionID)
	}))
	s.entries[actionID] = s.cron.Schedule(everySchedule{interval: interval}, job)
	metrics.SetTimers(len(s.entries))
	s.logger.Info("recurrence registered", "action_id", actionID, "interval", interval)
	return true, nil
}

// Cancel removes the action's timer (if any) and then stops the action so the
// last run the timer produced does not outlive it.
func (s *Scheduler) Cancel(ctx context.Context, actionID int64) error {
	s.entryMu.Lock()
	if entryID, ok := s.entries[actionID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, actionID)
		metrics.SetTimers(len(s.entries))
		s.logger.Info("recurrence cancelled", "action_id", actionID)
	}
	s.entryMu.Unlock()

	if s.trigger == nil {
		return nil
	}
	if _, err := s.trigger.StopAction(ctx, actionID); err != nil {
		return fmt.Errorf("stop after cancel: %w", err)
	}
	return nil
}

// IsRegistered reports whether a timer exists for the action.
func (s *Scheduler) IsRegistered(actionID int64) bool {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	_, ok := s.entries[actionID]
	return ok
}

// NextTick returns the next activation of the action's timer, or nil.
func (s *Scheduler) NextTick(actionID int64) *time.Time {
	s.entryMu.Lock()
	entryID, ok := s.entries[actionID]
	s.entryMu.Unlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	next := entry.Next
	return &next
}

// Registered lists the action ids that currently have a timer.
func (s *Scheduler) Registered() []int64 {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddMaintenance schedules a fixed-cycle job described by a 5-field cron expression.
func (s *Scheduler) AddMaintenance(name, expr string, fn func(ctx context.Context) error) error {
	schedule, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("maintenance %s: %w", name, err)
	}
	job := cron.NewChain(cron.SkipIfStillRunning(s.cronLog)).Then(cron.FuncJob(func() {
		start := time.Now()
		if err := fn(s.ctxOrBackground()); err != nil {
			s.logger.Error("maintenance job failed", "job", name, "err", err, "duration", time.Since(start))
			return
		}
		s.logger.Info("maintenance job completed", "job", name, "duration", time.Since(start))
	}))
	s.cron.Schedule(schedule, job)
	s.logger.Info("maintenance job scheduled", "job", name, "cron", expr)
	return nil
}

func (s *Scheduler) tick(actionID int64) {
	if !s.IsRegistered(actionID) {
		return
	}
	ctx := s.ctxOrBackground()
	res, err := s.trigger.StartAction(ctx, actionID)
	if err != nil {
		metrics.RecordTick("failed")
		s.logger.Error("recurring start failed", "action_id", actionID, "kind", KindOf(err), "err", err)
		if _, stopErr := s.trigger.StopAction(ctx, actionID); stopErr != nil {
			s.logger.Error("stop after failed tick", "action_id", actionID, "err", stopErr)
		}
		return
	}
	metrics.RecordTick("ok")
	s.logger.Info("recurring start", "action_id", actionID, "run_id", res.Run.ID, "instance_id", res.InstanceID)

	// Cancel may have raced with this tick; its run must not outlive the timer.
	if !s.IsRegistered(actionID) {
		if _, err := s.trigger.StopAction(ctx, actionID); err != nil {
			s.logger.Error("stop after cancelled tick", "action_id", actionID, "err", err)
		}
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
