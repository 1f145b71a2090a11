package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exprun/internal/experiment"
	"github.com/msageha/exprun/internal/model"
)

type recordingHandle struct {
	logs []string
}

func (h *recordingHandle) Poll() (int, bool)         { return 0, false }
func (h *recordingHandle) Terminate() error          { return nil }
func (h *recordingHandle) Kill() error               { return nil }
func (h *recordingHandle) Wait(time.Duration) bool   { return true }
func (h *recordingHandle) Status() experiment.Status { return experiment.StatusRunning }
func (h *recordingHandle) MarkError(string) error    { return nil }
func (h *recordingHandle) WorkDir() string           { return "/runs/x" }
func (h *recordingHandle) RunID() string             { return "run_0001" }

func (h *recordingHandle) AppendLog(msg string) error {
	h.logs = append(h.logs, msg)
	return nil
}

func instance(def model.TaskDefinition) *model.TaskInstance {
	return &model.TaskInstance{ID: "task_1771722000_000001", Definition: def, Attempt: 1}
}

func TestOptions_ResolvesPaths(t *testing.T) {
	l := New("/cfg", "/runs", zerolog.Nop())

	opts := l.Options(instance(model.TaskDefinition{Name: "a", Command: "run", GPUIDs: []int{1}}))
	assert.Equal(t, "/runs", opts.BaseDir)
	assert.Equal(t, "/cfg", opts.Cwd)
	assert.Equal(t, []int{1}, opts.GPUIDs)

	opts = l.Options(instance(model.TaskDefinition{Name: "a", Command: "run", Cwd: "src", BaseDir: "../out"}))
	assert.Equal(t, "/out", opts.BaseDir)
	assert.Equal(t, "/cfg/src", opts.Cwd)

	opts = l.Options(instance(model.TaskDefinition{Name: "a", Command: "run", Cwd: "/abs"}))
	assert.Equal(t, "/abs", opts.Cwd)
}

func TestLaunch_UsesStarterAndLogsAttempt(t *testing.T) {
	l := New("/cfg", "/runs", zerolog.Nop())
	h := &recordingHandle{}
	var gotOpts experiment.Options
	var gotEnv map[string]string
	l.SetStarter(func(_ context.Context, opts experiment.Options, env map[string]string) (Handle, error) {
		gotOpts, gotEnv = opts, env
		return h, nil
	})

	inst := instance(model.TaskDefinition{
		Name:         "train",
		Command:      "python train.py",
		Environment:  map[string]string{"LR": "0.1"},
		DelaySeconds: 2,
	})
	inst.Attempt = 2
	got, err := l.Launch(context.Background(), inst)
	require.NoError(t, err)
	assert.Same(t, h, got)

	assert.Equal(t, "train", gotOpts.Name)
	assert.Equal(t, "0.1", gotEnv["LR"])
	assert.Equal(t, inst.ID, gotEnv["EXP_TASK_ID"])
	assert.Equal(t, "2", gotEnv["EXP_ATTEMPT"])
	require.Len(t, h.logs, 2)
	assert.Contains(t, h.logs[0], "startup delay 2s")
	assert.Equal(t, "schedule attempt=2 task="+inst.ID, h.logs[1])

	_, shared := inst.Definition.Environment["EXP_TASK_ID"]
	assert.False(t, shared, "definition environment must not be mutated")
}

func TestLaunch_StarterError(t *testing.T) {
	l := New("/cfg", "/runs", zerolog.Nop())
	l.SetStarter(func(context.Context, experiment.Options, map[string]string) (Handle, error) {
		return nil, errors.New("exec format error")
	})

	h, err := l.Launch(context.Background(), instance(model.TaskDefinition{Name: "a", Command: "run"}))
	assert.Nil(t, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch a")
	assert.Contains(t, err.Error(), "exec format error")
}

func TestLaunch_RealExperiment(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	l := New(dir, filepath.Join(dir, "runs"), zerolog.Nop())

	h, err := l.Launch(context.Background(), instance(model.TaskDefinition{Name: "echo", Command: "echo from-task"}))
	require.NoError(t, err)
	require.True(t, h.Wait(10*time.Second))

	code, exited := h.Poll()
	assert.True(t, exited)
	assert.Equal(t, 0, code)
	assert.Equal(t, experiment.StatusFinished, h.Status())
	assert.True(t, strings.HasPrefix(h.WorkDir(), filepath.Join(dir, "runs", "echo_")))

	data, err := os.ReadFile(filepath.Join(h.WorkDir(), experiment.TerminalLogsDir, h.RunID()+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "from-task")
	assert.Contains(t, string(data), "schedule attempt=1")
}
