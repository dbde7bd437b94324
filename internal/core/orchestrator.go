package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"actionrunner/internal/metrics"
)

const (
	alertTimeout   = 15 * time.Second
	cleanupTimeout = 30 * time.Second
)

// Orchestrator sequences the lifecycle manager, the remote runner and the
// recurrence scheduler. Start and stop for the same action are serialized.
type Orchestrator struct {
	store     Store
	lifecycle *Lifecycle
	runner    Runner
	scheduler *Scheduler
	notifier  Notifier
	logger    *slog.Logger
	locks     *actionLocks
}

// NewOrchestrator wires the orchestrator and binds it as the scheduler's
// trigger. notifier may be nil.
func NewOrchestrator(store Store, lifecycle *Lifecycle, runner Runner, scheduler *Scheduler, notifier Notifier, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		lifecycle: lifecycle,
		runner:    runner,
		scheduler: scheduler,
		notifier:  notifier,
		logger:    logger,
		locks:     newActionLocks(),
	}
	scheduler.bind(o)
	return o
}

// Lifecycle exposes the run lifecycle manager for read views and admin CRUD.
func (o *Orchestrator) Lifecycle() *Lifecycle {
	return o.lifecycle
}

// Scheduler exposes the recurrence scheduler.
func (o *Orchestrator) Scheduler() *Scheduler {
	return o.scheduler
}

// StartAction stops any active run of the action, creates a new run and
// starts it remotely. A failed remote start ends the new run and returns the
// remote error unchanged.
func (o *Orchestrator) StartAction(ctx context.Context, actionID int64) (*StartResult, error) {
	unlock, err := o.locks.acquire(ctx, actionID)
	if err != nil {
		metrics.RecordStart(string(KindConflict))
		return nil, err
	}
	defer unlock()

	res, err := o.start(ctx, actionID)
	if err != nil {
		metrics.RecordStart(string(KindOf(err)))
		return nil, err
	}
	metrics.RecordStart("ok")
	return res, nil
}

func (o *Orchestrator) start(ctx context.Context, actionID int64) (*StartResult, error) {
	action, err := o.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, Internal("get action", err)
	}

	if _, err := o.stop(ctx, action); err != nil {
		return nil, err
	}

	run, err := o.lifecycle.CreateRun(ctx, action, action.Name)
	if err != nil {
		return nil, err
	}

	instanceID, err := o.runner.Start(ctx, action, run.ID)
	if err != nil {
		o.logger.Warn("remote start failed", "action_id", action.ID, "run_id", run.ID, "kind", KindOf(err), "err", err)
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if _, stopErr := o.stop(cctx, action); stopErr != nil {
			o.logger.Error("end run after failed start", "action_id", action.ID, "run_id", run.ID, "err", stopErr)
		}
		o.alert(action, fmt.Sprintf("%s failed to start", action.Name), err.Error())
		return nil, err
	}

	if err := o.lifecycle.SetRemoteInstanceID(ctx, run.ID, instanceID); err != nil {
		// The remote session is live but untracked: stop it directly, then end the run.
		o.logger.Error("attach instance id", "action_id", action.ID, "run_id", run.ID, "instance_id", instanceID, "err", err)
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if stopErr := o.runner.Stop(cctx, instanceID, action.APIKey); stopErr != nil {
			o.logger.Warn("remote stop of untracked instance", "instance_id", instanceID, "err", stopErr)
		}
		if _, endErr := o.lifecycle.EndRun(cctx, run.ID, time.Now().UTC()); endErr != nil {
			o.logger.Error("end untracked run", "run_id", run.ID, "err", endErr)
		}
		return nil, err
	}
	run.InstanceID = &instanceID

	if action.Recurring() && !o.scheduler.IsRegistered(action.ID) {
		if _, err := o.scheduler.Register(action.ID, *action.Interval); err != nil {
			o.logger.Error("register recurrence", "action_id", action.ID, "err", err)
		}
	}

	o.logger.Info("action started", "action_id", action.ID, "run_id", run.ID, "instance_id", instanceID)
	return &StartResult{Action: action, Run: run, InstanceID: instanceID}, nil
}

// cleanupContext detaches rollback work from the caller, whose context may
// already be done when the remote start fails.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// StopAction ends the action's active run and asks the remote service to stop
// its session. Stopping an action without an active run succeeds with a nil
// run. The recurrence timer is left untouched.
func (o *Orchestrator) StopAction(ctx context.Context, actionID int64) (*Run, error) {
	unlock, err := o.locks.acquire(ctx, actionID)
	if err != nil {
		metrics.RecordStop(string(KindConflict))
		return nil, err
	}
	defer unlock()

	action, err := o.store.GetAction(ctx, actionID)
	if err != nil {
		err = Internal("get action", err)
		metrics.RecordStop(string(KindOf(err)))
		return nil, err
	}
	run, err := o.stop(ctx, action)
	switch {
	case err != nil:
		metrics.RecordStop(string(KindOf(err)))
	case run == nil:
		metrics.RecordStop("noop")
	default:
		metrics.RecordStop("ended")
	}
	return run, err
}

// stop ends the active run locally first; the remote stop is best effort.
// Callers must hold the action's lock.
func (o *Orchestrator) stop(ctx context.Context, action *Action) (*Run, error) {
	run, err := o.lifecycle.EndActiveRunForAction(ctx, action.ID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	if run.InstanceID != nil && *run.InstanceID != "" {
		if err := o.runner.Stop(ctx, *run.InstanceID, action.APIKey); err != nil {
			o.logger.Warn("remote stop failed", "action_id", action.ID, "run_id", run.ID, "instance_id", *run.InstanceID, "err", err)
		}
	}
	o.logger.Info("action stopped", "action_id", action.ID, "run_id", run.ID)
	return run, nil
}

// CancelRecurrence removes the action's recurrence timer and stops its last run.
func (o *Orchestrator) CancelRecurrence(ctx context.Context, actionID int64) error {
	if _, err := o.store.GetAction(ctx, actionID); err != nil {
		return Internal("get action", err)
	}
	return o.scheduler.Cancel(ctx, actionID)
}

// Reconcile inspects state left behind by a previous process. Runs still
// marked active are reported but never ended here. With resume, timers are
// registered again for every action that declares an interval.
func (o *Orchestrator) Reconcile(ctx context.Context, resume bool) error {
	active := false
	runs, err := o.lifecycle.ListRuns(ctx, RunFilter{Ended: &active})
	if err != nil {
		return err
	}
	for _, run := range runs {
		attrs := []any{"run_id", run.ID, "name", run.Name, "started_at", run.StartedAt}
		if run.ActionID != nil {
			attrs = append(attrs, "action_id", *run.ActionID)
		}
		o.logger.Warn("run left active by a previous process", attrs...)
	}
	if !resume {
		return nil
	}

	actions, err := o.store.ListActions(ctx)
	if err != nil {
		return Internal("list actions", err)
	}
	var errs []error
	for _, action := range actions {
		if !action.Recurring() {
			continue
		}
		if _, err := o.scheduler.Register(action.ID, *action.Interval); err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", action.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) alert(action *Action, title, body string) {
	if o.notifier == nil {
		return
	}
	msg := Notification{Title: title, Body: body}
	if action.ChannelID != nil {
		msg.ChannelID = *action.ChannelID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := o.notifier.Notify(ctx, msg); err != nil {
			o.logger.Warn("send failure alert", "action_id", action.ID, "err", err)
		}
	}()
}
