package scheduler

import (
	"context"
	"slices"

	"github.com/msageha/exprun/internal/events"
	"github.com/msageha/exprun/internal/model"
)

// drainCommands reads and clears the command file, then applies each entry
// in order. It returns the number of commands drained, applied or not.
func (s *Scheduler) drainCommands(ctx context.Context) int {
	cmds, err := s.store.ConsumeCommands()
	if err != nil {
		s.logger.Error().Err(err).Msg("command_drain_failed")
		return 0
	}
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			s.logger.Warn().Str("command", cmd.String()).Msg("command_dropped_on_shutdown")
			continue
		}
		s.apply(cmd)
	}
	return len(cmds)
}

// apply executes one command. Every action is a lookup by instance id, so
// replaying a command that already took effect does nothing.
func (s *Scheduler) apply(cmd model.Command) bool {
	id, ok := cmd.TaskID()
	if !ok {
		s.logger.Warn().Str("command_id", cmd.ID).Str("action", string(cmd.Action)).Msg("command_missing_task_id")
		return false
	}

	var applied bool
	switch cmd.Action {
	case model.ActionRemovePending:
		applied = s.removePending(id)
	case model.ActionTerminateRunning:
		applied = s.terminateRunning(id)
	case model.ActionRetryError:
		applied = s.retryError(id)
	case model.ActionRemoveFinished:
		applied = s.removeFrom(&s.finished, id)
	case model.ActionRemoveError:
		applied = s.removeFrom(&s.errors, id)
	default:
		s.logger.Warn().Str("command_id", cmd.ID).Str("action", string(cmd.Action)).Msg("command_unknown_action")
		return false
	}

	if applied {
		s.dirty = true
	}
	s.logger.Info().
		Str("command_id", cmd.ID).
		Str("action", string(cmd.Action)).
		Str("task", id).
		Bool("applied", applied).
		Msg("command_applied")
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:   events.EventCommandApplied,
			TaskID: id,
			Data: map[string]any{
				"action":     string(cmd.Action),
				"command_id": cmd.ID,
				"applied":    applied,
			},
		})
	}
	return applied
}

func (s *Scheduler) removePending(id string) bool {
	i := slices.IndexFunc(s.pending, func(t *model.TaskInstance) bool { return t.ID == id })
	if i < 0 {
		return false
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	return true
}

func (s *Scheduler) terminateRunning(id string) bool {
	i := slices.IndexFunc(s.active, func(a *activeTask) bool { return a.inst.ID == id })
	if i < 0 {
		return false
	}
	return s.terminate(s.active[i], "terminated by user")
}

// retryError moves a failed or terminated record back to the pending head
// under a fresh id.
func (s *Scheduler) retryError(id string) bool {
	i := slices.IndexFunc(s.errors, func(t *model.TaskInstance) bool {
		return t.ID == id && model.IsError(t.Status)
	})
	if i < 0 {
		return false
	}
	if s.requeue(s.errors[i], "manual_retry") == nil {
		return false
	}
	s.errors = slices.Delete(s.errors, i, i+1)
	return true
}

// removeFrom purges a completed record. Outcomes already counted for the
// summary are kept.
func (s *Scheduler) removeFrom(queue *[]*model.TaskInstance, id string) bool {
	i := slices.IndexFunc(*queue, func(t *model.TaskInstance) bool { return t.ID == id })
	if i < 0 {
		return false
	}
	*queue = slices.Delete(*queue, i, i+1)
	return true
}
