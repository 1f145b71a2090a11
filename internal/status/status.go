// Package status prints a one-shot view of a state directory.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/history"
	"github.com/msageha/exprun/internal/lock"
	"github.com/msageha/exprun/internal/model"
	"github.com/msageha/exprun/internal/state"
)

type Report struct {
	Scheduler       SchedulerStatus `json:"scheduler"`
	UpdatedAt       string          `json:"updated_at"`
	Summary         model.Summary   `json:"summary"`
	Queues          []QueueStatus   `json:"queues"`
	PendingCommands int             `json:"pending_commands"`
	// History counts recorded attempts per status when a history database exists.
	History map[string]int `json:"history,omitempty"`
}

type SchedulerStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type QueueStatus struct {
	Name  string     `json:"name"`
	Tasks []TaskLine `json:"tasks"`
}

type TaskLine struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Status  model.Status `json:"status"`
	Attempt int          `json:"attempt"`
	RunID   string       `json:"run_id,omitempty"`
}

// Run collects the status of the state directory and prints it.
func Run(w io.Writer, store *state.Store, jsonOutput bool) error {
	report, err := Collect(store)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(w, report)
	return nil
}

func Collect(store *state.Store) (Report, error) {
	snap, err := store.LoadState()
	if err != nil {
		return Report{}, fmt.Errorf("load state: %w", err)
	}
	cmds, err := store.PendingCommands()
	if err != nil {
		return Report{}, fmt.Errorf("read commands: %w", err)
	}
	sched, err := checkScheduler(store.SchedulerLock())
	if err != nil {
		return Report{}, err
	}
	stats, err := historyStats(store)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Scheduler: sched,
		UpdatedAt: snap.UpdatedAt,
		Summary:   snap.Summary,
		Queues: []QueueStatus{
			queue("pending", snap.Pending),
			queue("running", snap.Running),
			queue("finished", snap.Finished),
			queue("errors", snap.Errors),
		},
		PendingCommands: len(cmds),
		History:         stats,
	}, nil
}

func historyStats(store *state.Store) (map[string]int, error) {
	if _, err := os.Stat(store.HistoryPath()); err != nil {
		return nil, nil
	}
	h, err := history.Open(store.HistoryPath(), zerolog.Nop())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer h.Close()
	return h.Stats(context.Background())
}

// checkScheduler probes the scheduler lock without blocking.
func checkScheduler(fl *lock.FileLock) (SchedulerStatus, error) {
	err := fl.TryLock()
	switch {
	case errors.Is(err, lock.ErrLocked):
		return SchedulerStatus{Running: true, PID: lock.HolderPID(fl.Path())}, nil
	case err != nil:
		return SchedulerStatus{}, fmt.Errorf("probe scheduler lock: %w", err)
	}
	if err := fl.Unlock(); err != nil {
		return SchedulerStatus{}, fmt.Errorf("release scheduler lock: %w", err)
	}
	return SchedulerStatus{}, nil
}

func queue(name string, records []model.TaskRecord) QueueStatus {
	q := QueueStatus{Name: name, Tasks: make([]TaskLine, 0, len(records))}
	for _, r := range records {
		line := TaskLine{ID: r.ID, Name: r.Name, Status: r.Status, Attempt: r.Attempt}
		if r.RunID != nil {
			line.RunID = *r.RunID
		}
		q.Tasks = append(q.Tasks, line)
	}
	return q
}

func printStatus(w io.Writer, r Report) {
	if r.Scheduler.Running {
		fmt.Fprintf(w, "Scheduler: running (pid %d)\n", r.Scheduler.PID)
	} else {
		fmt.Fprintln(w, "Scheduler: stopped")
	}
	if r.UpdatedAt != "" {
		if ts, err := model.ParseTimestamp(r.UpdatedAt); err == nil {
			fmt.Fprintf(w, "Updated:   %s (%s ago)\n", r.UpdatedAt, time.Since(ts).Round(time.Second))
		} else {
			fmt.Fprintf(w, "Updated:   %s\n", r.UpdatedAt)
		}
	}
	s := r.Summary
	fmt.Fprintf(w, "Summary:   total=%d pending=%d running=%d finished=%d errors=%d\n",
		s.Total, s.Pending, s.Running, s.Finished, s.Errors)
	if r.PendingCommands > 0 {
		fmt.Fprintf(w, "Commands:  %d waiting\n", r.PendingCommands)
	}
	if len(r.History) > 0 {
		fmt.Fprintf(w, "History:   %s\n", FormatCounts(r.History))
	}

	for _, q := range r.Queues {
		if len(q.Tasks) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", q.Name)
		fmt.Fprintf(w, "  %-24s  %-20s  %-10s  %7s  %s\n", "ID", "NAME", "STATUS", "ATTEMPT", "RUN")
		for _, t := range q.Tasks {
			run := t.RunID
			if run == "" {
				run = "-"
			}
			fmt.Fprintf(w, "  %-24s  %-20s  %-10s  %7d  %s\n", t.ID, t.Name, t.Status, t.Attempt, run)
		}
	}
}

// FormatCounts renders per-status counts as "k=v" pairs in key order.
func FormatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
