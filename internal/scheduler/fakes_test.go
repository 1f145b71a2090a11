package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/msageha/exprun/internal/experiment"
	"github.com/msageha/exprun/internal/launcher"
	"github.com/msageha/exprun/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeWaiter advances the clock instead of sleeping and runs onWait after
// every cycle, on the scheduler goroutine.
type fakeWaiter struct {
	clock  *fakeClock
	waits  int
	onWait func(n int)
}

func (w *fakeWaiter) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.waits++
	w.clock.Advance(d)
	if w.onWait != nil {
		w.onWait(w.waits)
	}
	return ctx.Err()
}

type fakeStore struct {
	snapshots []model.Snapshot
	commands  []model.Command
}

func (s *fakeStore) WriteState(snap model.Snapshot) error {
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakeStore) ConsumeCommands() ([]model.Command, error) {
	cmds := s.commands
	s.commands = nil
	return cmds, nil
}

func (s *fakeStore) enqueue(action model.Action, taskID string) {
	payload := map[string]any{}
	if taskID != "" {
		payload[model.PayloadTaskID] = taskID
	}
	s.commands = append(s.commands, model.NewCommand(action, payload, time.Now()))
}

func (s *fakeStore) last() model.Snapshot {
	return s.snapshots[len(s.snapshots)-1]
}

// fakeHandle exits after a number of polls, or never when runFor is negative.
type fakeHandle struct {
	id         string
	runFor     int
	code       int
	ignoreTerm bool
	skipFinish bool

	polls      int
	exited     bool
	status     experiment.Status
	terminated bool
	killed     bool
	marked     string
}

func (h *fakeHandle) Poll() (int, bool) {
	if h.exited {
		return h.code, true
	}
	h.polls++
	if h.runFor >= 0 && h.polls >= h.runFor {
		h.exited = true
		switch {
		case h.skipFinish:
		case h.code == 0:
			h.status = experiment.StatusFinished
		default:
			h.status = experiment.StatusError
		}
		return h.code, true
	}
	return 0, false
}

func (h *fakeHandle) Terminate() error {
	h.terminated = true
	if !h.ignoreTerm {
		h.exited = true
		h.code = -15
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed = true
	h.exited = true
	h.code = -9
	return nil
}

func (h *fakeHandle) Wait(time.Duration) bool { return h.exited }

func (h *fakeHandle) Status() experiment.Status { return h.status }

func (h *fakeHandle) MarkError(reason string) error {
	h.marked = reason
	h.status = experiment.StatusError
	return nil
}

func (h *fakeHandle) AppendLog(string) error { return nil }
func (h *fakeHandle) WorkDir() string        { return "/runs/" + h.id }
func (h *fakeHandle) RunID() string          { return "run_0001" }

// behavior configures what a named task does on each attempt.
type behavior struct {
	runFor     int
	codes      []int
	failLaunch bool
	ignoreTerm bool
	skipFinish bool
}

type launchRecord struct {
	id      string
	name    string
	attempt int
	at      time.Time
	handle  *fakeHandle
}

type fakeLauncher struct {
	clock      *fakeClock
	behaviors  map[string]behavior
	launches   []launchRecord
	maxRunning int
}

func newFakeLauncher(clock *fakeClock) *fakeLauncher {
	return &fakeLauncher{clock: clock, behaviors: map[string]behavior{}}
}

func (l *fakeLauncher) Launch(_ context.Context, inst *model.TaskInstance) (launcher.Handle, error) {
	b, ok := l.behaviors[inst.Definition.Name]
	if !ok {
		b = behavior{runFor: 1}
	}
	rec := launchRecord{id: inst.ID, name: inst.Definition.Name, attempt: inst.Attempt, at: l.clock.Now()}
	if b.failLaunch {
		l.launches = append(l.launches, rec)
		return nil, errors.New("exec: no such file")
	}
	code := 0
	if len(b.codes) > 0 {
		code = b.codes[min(inst.Attempt-1, len(b.codes)-1)]
	}
	rec.handle = &fakeHandle{
		id:         inst.ID,
		runFor:     b.runFor,
		code:       code,
		ignoreTerm: b.ignoreTerm,
		skipFinish: b.skipFinish,
		status:     experiment.StatusRunning,
	}
	l.launches = append(l.launches, rec)
	l.maxRunning = max(l.maxRunning, l.running())
	return rec.handle, nil
}

func (l *fakeLauncher) running() int {
	n := 0
	for _, r := range l.launches {
		if r.handle != nil && !r.handle.exited {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) names() []string {
	out := make([]string, 0, len(l.launches))
	for _, r := range l.launches {
		out = append(out, r.name)
	}
	return out
}
