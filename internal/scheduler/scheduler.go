package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/events"
	"github.com/msageha/exprun/internal/experiment"
	"github.com/msageha/exprun/internal/launcher"
	"github.com/msageha/exprun/internal/model"
)

// Launcher starts a pending instance.
type Launcher interface {
	Launch(ctx context.Context, inst *model.TaskInstance) (launcher.Handle, error)
}

// StateStore persists snapshots and yields queued commands.
type StateStore interface {
	WriteState(snap model.Snapshot) error
	ConsumeCommands() ([]model.Command, error)
}

type activeTask struct {
	inst   *model.TaskInstance
	handle launcher.Handle
}

// Scheduler owns the four queues. All queue mutation happens on the
// goroutine calling Run.
type Scheduler struct {
	cfg      model.SchedulerConfig
	store    StateStore
	launcher Launcher
	bus      *events.Bus
	waiter   Waiter
	ids      *model.IDGenerator
	logger   zerolog.Logger
	now      func() time.Time
	out      io.Writer

	pending  []*model.TaskInstance
	active   []*activeTask
	finished []*model.TaskInstance
	errors   []*model.TaskInstance

	// outcomes keeps every finished attempt, including purged ones, for the
	// final summary.
	outcomes []*model.TaskInstance
	total    int
	dirty    bool
}

type Option func(*Scheduler)

func WithBus(bus *events.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithWaiter(w Waiter) Option { return func(s *Scheduler) { s.waiter = w } }

func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithOutput sets where the final summary is printed.
func WithOutput(w io.Writer) Option { return func(s *Scheduler) { s.out = w } }

func New(cfg model.SchedulerConfig, store StateStore, l Launcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		launcher: l,
		waiter:   SleepWaiter{},
		logger:   zerolog.Nop(),
		now:      time.Now,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = model.NewIDGeneratorWithClock(s.now)
	}
	if s.cfg.MaxConcurrent <= 0 {
		s.cfg.MaxConcurrent = 1
	}
	return s
}

// IDs exposes the generator so callers can expand a plan with the same
// counter the scheduler uses for requeues.
func (s *Scheduler) IDs() *model.IDGenerator {
	return s.ids
}

// Run schedules instances until the queues are empty and the idle grace
// period has elapsed, or until ctx is cancelled. On cancellation every
// running task is terminated and recorded before Run returns.
func (s *Scheduler) Run(ctx context.Context, instances []*model.TaskInstance) (Report, error) {
	s.pending = append(s.pending[:0], instances...)
	s.total = len(instances)
	s.dirty = true
	s.flush()

	interval := s.cfg.CheckInterval()
	graceCycles := s.cfg.GraceCycles()
	idleCycles := 0

	s.logger.Info().
		Int("tasks", s.total).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Dur("check_interval", interval).
		Msg("scheduler_started")

	for {
		if ctx.Err() != nil {
			s.shutdown()
			break
		}

		drained := s.drainCommands(ctx)
		s.launch(ctx)
		s.flush()

		if s.idle() {
			if !s.cfg.Linger() {
				break
			}
			if drained > 0 {
				idleCycles = 0
			}
			if idleCycles >= graceCycles {
				s.logger.Info().Int("cycles", idleCycles).Msg("idle_grace_elapsed")
				break
			}
			idleCycles++
		} else {
			idleCycles = 0
		}

		if err := s.waiter.Wait(ctx, s.waitDuration(interval)); err != nil {
			s.shutdown()
			break
		}

		s.harvest()
		s.flush()
	}

	s.flush()
	report := BuildReport(s.outcomes)
	report.Write(s.out)
	s.logger.Info().
		Int("succeeded", report.Succeeded).
		Int("succeeded_after_retry", report.SucceededAfterRetry).
		Int("failed", report.Failed).
		Msg("scheduler_finished")
	return report, nil
}

func (s *Scheduler) idle() bool {
	return len(s.pending) == 0 && len(s.active) == 0
}

// waitDuration shortens the interval when an armed startup delay expires sooner.
func (s *Scheduler) waitDuration(interval time.Duration) time.Duration {
	if len(s.pending) == 0 || s.pending[0].NotBefore == nil || len(s.active) >= s.cfg.MaxConcurrent {
		return interval
	}
	remaining := s.pending[0].NotBefore.Sub(s.now())
	if remaining > 0 && remaining < interval {
		return remaining
	}
	return interval
}

// launch admits pending heads while slots are free. Priority order was fixed
// at expansion time, so admission always pops the head.
func (s *Scheduler) launch(ctx context.Context) {
	launched := 0
	for len(s.pending) > 0 && len(s.active) < s.cfg.MaxConcurrent {
		head := s.pending[0]
		if delay := head.Definition.Delay(); delay > 0 {
			now := s.now()
			if head.NotBefore == nil {
				at := now.Add(delay)
				head.NotBefore = &at
				s.logger.Info().Str("task", head.ID).Str("name", head.Definition.Name).
					Dur("delay", delay).Int("attempt", head.Attempt+1).Msg("task_delay_armed")
				break
			}
			if now.Before(*head.NotBefore) {
				break
			}
		}

		s.pending = s.pending[1:]
		s.dirty = true
		if !s.allowed(head, model.StatusRunning) {
			continue
		}
		head.Attempt++

		h, err := s.launcher.Launch(ctx, head)
		now := s.now()
		if err != nil {
			s.setStatus(head, model.StatusFailed)
			head.RawStatus = string(experiment.StatusError)
			head.Error = err.Error()
			head.CompletedAt = &now
			s.errors = append(s.errors, head)
			s.outcomes = append(s.outcomes, head)
			s.logger.Error().Str("task", head.ID).Str("name", head.Definition.Name).
				Int("attempt", head.Attempt).Err(err).Msg("task_launch_failed")
			s.publish(events.EventTaskFailed, head, map[string]any{"launch_error": err.Error()})
			continue
		}

		s.setStatus(head, model.StatusRunning)
		head.RawStatus = string(h.Status())
		head.StartedAt = &now
		head.WorkDir = h.WorkDir()
		head.RunID = h.RunID()
		s.active = append(s.active, &activeTask{inst: head, handle: h})
		launched++

		s.logger.Info().Str("task", head.ID).Str("name", head.Definition.Name).
			Int("attempt", head.Attempt).Str("run_id", head.RunID).Msg("task_launched")
		s.publish(events.EventTaskLaunched, head, map[string]any{"attempt": head.Attempt})
	}
	if launched > 0 {
		s.logger.Debug().Int("launched", launched).Int("running", len(s.active)).Msg("launch_round")
	}
}

// harvest polls every active handle once without blocking.
func (s *Scheduler) harvest() {
	still := s.active[:0]
	for _, a := range s.active {
		code, exited := a.handle.Poll()
		if !exited {
			still = append(still, a)
			continue
		}
		s.complete(a, code)
	}
	clear(s.active[len(still):])
	s.active = still
}

func (s *Scheduler) complete(a *activeTask, code int) {
	inst := a.inst
	if !s.allowed(inst, model.StatusSuccess) {
		return
	}
	now := s.now()
	raw := a.handle.Status()
	inst.CompletedAt = &now
	inst.ReturnCode = &code
	inst.RawStatus = string(raw)
	s.outcomes = append(s.outcomes, inst)
	s.dirty = true

	if code == 0 && raw == experiment.StatusFinished {
		s.setStatus(inst, model.StatusSuccess)
		s.finished = append(s.finished, inst)
		s.logger.Info().Str("task", inst.ID).Str("name", inst.Definition.Name).
			Int("attempt", inst.Attempt).Msg("task_succeeded")
		s.publish(events.EventTaskSucceeded, inst, nil)
		return
	}

	s.setStatus(inst, model.StatusFailed)
	inst.Error = fmt.Sprintf("exit code %d, task status %s", code, raw)
	s.errors = append(s.errors, inst)
	s.logger.Warn().Str("task", inst.ID).Str("name", inst.Definition.Name).
		Int("attempt", inst.Attempt).Int("code", code).Str("raw_status", string(raw)).Msg("task_failed")
	s.publish(events.EventTaskFailed, inst, map[string]any{"return_code": code})

	if ShouldRetry(s.cfg.AutoRestart, inst.Definition, inst.Attempt) {
		s.requeue(inst, "auto_retry")
	}
}

// requeue synthesizes a fresh pending entry at the head, carrying the attempt
// count. It returns nil when from is not in a retryable status.
func (s *Scheduler) requeue(from *model.TaskInstance, reason string) *model.TaskInstance {
	if !s.allowed(from, model.StatusPending) {
		return nil
	}
	fresh := from.Requeue(s.ids.Next(), s.now())
	s.pending = slices.Insert(s.pending, 0, fresh)
	s.dirty = true
	s.logger.Info().Str("task", fresh.ID).Str("from", from.ID).Str("name", fresh.Definition.Name).
		Int("attempt", fresh.Attempt).Str("reason", reason).Msg("task_requeued")
	s.publish(events.EventTaskRequeued, fresh, map[string]any{"from": from.ID, "reason": reason})
	return fresh
}

// terminate stops a running task gracefully, escalates to a kill and records
// it as terminated whether or not the kill was confirmed.
func (s *Scheduler) terminate(a *activeTask, reason string) bool {
	inst := a.inst
	h := a.handle
	if !s.allowed(inst, model.StatusTerminated) {
		return false
	}

	if err := h.Terminate(); err != nil {
		s.logger.Warn().Str("task", inst.ID).Err(err).Msg("terminate_signal_failed")
	}
	if !h.Wait(s.cfg.TerminateTimeout()) {
		s.logger.Warn().Str("task", inst.ID).Dur("timeout", s.cfg.TerminateTimeout()).Msg("terminate_timeout_kill")
		if err := h.Kill(); err != nil {
			s.logger.Warn().Str("task", inst.ID).Err(err).Msg("kill_signal_failed")
		}
		if !h.Wait(s.cfg.KillTimeout()) {
			s.logger.Error().Str("task", inst.ID).Msg("kill_unconfirmed")
		}
	}
	if err := h.MarkError(reason); err != nil {
		s.logger.Warn().Str("task", inst.ID).Err(err).Msg("mark_error_failed")
	}

	now := s.now()
	s.setStatus(inst, model.StatusTerminated)
	inst.RawStatus = string(h.Status())
	inst.Error = reason
	inst.CompletedAt = &now
	if code, exited := h.Poll(); exited {
		inst.ReturnCode = &code
	}

	s.active = slices.DeleteFunc(s.active, func(x *activeTask) bool { return x == a })
	s.errors = append(s.errors, inst)
	s.outcomes = append(s.outcomes, inst)
	s.dirty = true

	s.logger.Warn().Str("task", inst.ID).Str("name", inst.Definition.Name).Str("reason", reason).Msg("task_terminated")
	s.publish(events.EventTaskTerminated, inst, map[string]any{"reason": reason})
	return true
}

// allowed reports whether inst may move to the given status, logging the
// rejected transition otherwise.
func (s *Scheduler) allowed(inst *model.TaskInstance, to model.Status) bool {
	if err := model.ValidateTransition(inst.Status, to); err != nil {
		s.logger.Error().Str("task", inst.ID).Str("from", string(inst.Status)).
			Str("to", string(to)).Err(err).Msg("task_transition_rejected")
		return false
	}
	return true
}

func (s *Scheduler) setStatus(inst *model.TaskInstance, to model.Status) {
	if s.allowed(inst, to) {
		inst.Status = to
	}
}

func (s *Scheduler) shutdown() {
	if len(s.active) > 0 {
		s.logger.Warn().Int("running", len(s.active)).Msg("scheduler_shutdown_terminating")
	}
	for _, a := range slices.Clone(s.active) {
		s.terminate(a, "terminated by scheduler shutdown")
	}
}

// flush writes the snapshot if anything changed since the last write.
func (s *Scheduler) flush() {
	if !s.dirty {
		return
	}
	if err := s.store.WriteState(s.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("state_sync_failed")
		return
	}
	s.dirty = false
}

// Snapshot projects the live queues.
func (s *Scheduler) Snapshot() model.Snapshot {
	snap := model.EmptySnapshot(s.now())
	for _, inst := range s.pending {
		snap.Pending = append(snap.Pending, model.NewTaskRecord(inst))
	}
	for _, a := range s.active {
		snap.Running = append(snap.Running, model.NewTaskRecord(a.inst))
	}
	for _, inst := range s.finished {
		snap.Finished = append(snap.Finished, model.NewTaskRecord(inst))
	}
	for _, inst := range s.errors {
		snap.Errors = append(snap.Errors, model.NewTaskRecord(inst))
	}
	snap.Summary = model.Summary{
		Total:    s.total,
		Pending:  len(snap.Pending),
		Running:  len(snap.Running),
		Finished: len(snap.Finished),
		Errors:   len(snap.Errors),
	}
	return snap
}

func (s *Scheduler) publish(t events.EventType, inst *model.TaskInstance, data map[string]any) {
	if s.bus == nil {
		return
	}
	ev := events.Event{Type: t, TaskID: inst.ID, Data: data}
	if t.IsFinal() {
		rec := model.NewTaskRecord(inst)
		ev.Record = &rec
	}
	s.bus.Publish(ev)
}
