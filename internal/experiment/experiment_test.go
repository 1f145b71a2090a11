//go:build unix

package experiment

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exprun/internal/atomicfile"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 2, 23, 10, 30, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func newExperiment(t *testing.T, base, command string, opts ...func(*Options)) *Experiment {
	t.Helper()
	o := Options{BaseDir: base, Name: "train", Command: command, Cwd: base, Now: fixedClock()}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(o)
	require.NoError(t, err)
	return e
}

func waitExit(t *testing.T, e *Experiment) int {
	t.Helper()
	require.True(t, e.Wait(10*time.Second), "process did not exit")
	code, exited := e.Poll()
	require.True(t, exited)
	return code
}

func readMetadata(t *testing.T, e *Experiment) Metadata {
	t.Helper()
	var m Metadata
	require.NoError(t, atomicfile.ReadJSON(filepath.Join(e.WorkDir(), MetadataFileName), &m))
	return m
}

func TestNew_Layout(t *testing.T) {
	base := t.TempDir()
	e := newExperiment(t, base, "true", func(o *Options) { o.Tags = []string{"ml"} })

	assert.Equal(t, filepath.Join(base, "train_2026-02-23__10-30-00"), e.WorkDir())
	assert.Equal(t, "run_0001", e.RunID())
	assert.DirExists(t, filepath.Join(e.WorkDir(), TerminalLogsDir))
	assert.DirExists(t, filepath.Join(e.WorkDir(), MetricsDir))

	m := readMetadata(t, e)
	assert.Equal(t, "train", m.Name)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, "run_0001", m.CurrentRunID)
	assert.Equal(t, []string{"ml"}, m.Tags)
	assert.Equal(t, "2026-02-23__10-30-00", m.Timestamp)
}

func TestNew_SameSecondGetsDistinctDirs(t *testing.T) {
	base := t.TempDir()
	first := newExperiment(t, base, "true")
	second := newExperiment(t, base, "true")
	assert.NotEqual(t, first.WorkDir(), second.WorkDir())
	assert.Equal(t, first.WorkDir()+"_1", second.WorkDir())
}

func TestNew_RequiresNameAndCommand(t *testing.T) {
	_, err := New(Options{BaseDir: t.TempDir(), Command: "true"})
	assert.Error(t, err)
	_, err = New(Options{BaseDir: t.TempDir(), Name: "a"})
	assert.Error(t, err)
}

func TestRun_SuccessSetsFinished(t *testing.T) {
	e := newExperiment(t, t.TempDir(), "echo hello")
	require.NoError(t, e.Run(context.Background(), nil))

	assert.Equal(t, 0, waitExit(t, e))
	assert.Equal(t, StatusFinished, e.Status())

	data, err := os.ReadFile(e.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	m := readMetadata(t, e)
	assert.Equal(t, StatusFinished, m.Status)
	require.Len(t, m.Runs, 1)
	require.NotNil(t, m.Runs[0].ExitCode)
	assert.Equal(t, 0, *m.Runs[0].ExitCode)
}

func TestRun_NonZeroExitSetsError(t *testing.T) {
	e := newExperiment(t, t.TempDir(), "exit 3")
	require.NoError(t, e.Run(context.Background(), nil))

	assert.Equal(t, 3, waitExit(t, e))
	assert.Equal(t, StatusError, e.Status())
	assert.Equal(t, "exit code 3", readMetadata(t, e).Error)
}

func TestRun_Environment(t *testing.T) {
	e := newExperiment(t, t.TempDir(), `echo "$CUDA_VISIBLE_DEVICES|$EXP_RUN_ID|$EXP_NAME|$LR|$EXP_WORK_DIR"`,
		func(o *Options) { o.GPUIDs = []int{0, 2} })
	require.NoError(t, e.Run(context.Background(), map[string]string{"LR": "0.1"}))
	require.Equal(t, 0, waitExit(t, e))

	data, err := os.ReadFile(e.LogPath())
	require.NoError(t, err)
	assert.Equal(t, "0,2|run_0001|train|0.1|"+e.WorkDir(), strings.TrimSpace(string(data)))
}

func TestRun_Cwd(t *testing.T) {
	base := t.TempDir()
	cwd := t.TempDir()
	e := newExperiment(t, base, "pwd", func(o *Options) { o.Cwd = cwd })
	require.NoError(t, e.Run(context.Background(), nil))
	require.Equal(t, 0, waitExit(t, e))

	data, err := os.ReadFile(e.LogPath())
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(cwd)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(data)))
	assert.Equal(t, resolved, got)
}

func TestRun_StartFailure(t *testing.T) {
	e := newExperiment(t, t.TempDir(), "true", func(o *Options) { o.Cwd = "/nonexistent/dir/for/exprun" })
	err := e.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, StatusError, e.Status())

	_, exited := e.Poll()
	assert.False(t, exited)
}

func TestRun_CancelledContext(t *testing.T) {
	e := newExperiment(t, t.TempDir(), "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Run(ctx, nil), context.Canceled)
}

func TestTerminate_StopsProcessGroup(t *testing.T) {
	e := newExperiment(t, t.TempDir(), "sleep 30 & sleep 30; wait")
	require.NoError(t, e.Run(context.Background(), nil))

	_, exited := e.Poll()
	assert.False(t, exited)

	require.NoError(t, e.Terminate())
	require.True(t, e.Wait(5*time.Second), "terminate did not stop the group")
	require.NoError(t, e.MarkError("terminated by operator"))

	assert.Equal(t, StatusError, e.Status())
	assert.Equal(t, "terminated by operator", readMetadata(t, e).Error)
	assert.NoError(t, e.Kill(), "kill after exit is a no-op")
}

func TestKill(t *testing.T) {
	e := newExperiment(t, t.TempDir(), "trap '' TERM; sleep 30")
	require.NoError(t, e.Run(context.Background(), nil))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, e.Terminate())
	assert.False(t, e.Wait(200*time.Millisecond), "TERM should be ignored")
	require.NoError(t, e.Kill())
	require.True(t, e.Wait(5*time.Second))

	code, _ := e.Poll()
	assert.NotEqual(t, 0, code)
}

func TestResume_AdvancesRunID(t *testing.T) {
	base := t.TempDir()
	first := newExperiment(t, base, "echo one")
	require.NoError(t, first.Run(context.Background(), nil))
	waitExit(t, first)

	resumed := newExperiment(t, base, "echo two", func(o *Options) {
		o.Resume = filepath.Base(first.WorkDir())
	})
	assert.Equal(t, first.WorkDir(), resumed.WorkDir())
	assert.Equal(t, "run_0002", resumed.RunID())

	require.NoError(t, resumed.Run(context.Background(), nil))
	waitExit(t, resumed)
	m := readMetadata(t, resumed)
	assert.Len(t, m.Runs, 2)
	assert.Equal(t, "run_0002", m.CurrentRunID)
}

func TestResume_MissingDir(t *testing.T) {
	_, err := New(Options{BaseDir: t.TempDir(), Name: "a", Command: "true", Resume: "gone"})
	assert.Error(t, err)
}

func TestAppendLog(t *testing.T) {
	e := newExperiment(t, t.TempDir(), "true")
	require.NoError(t, e.AppendLog("schedule attempt=1"))

	data, err := os.ReadFile(e.LogPath())
	require.NoError(t, err)
	assert.Equal(t, "[2026-02-23 10:30:00] schedule attempt=1\n", string(data))
}

func TestRun_MetadataWriteFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	e := newExperiment(t, t.TempDir(), "true", func(o *Options) {
		o.Logger = zerolog.New(&logs)
	})
	meta := filepath.Join(e.WorkDir(), MetadataFileName)
	require.NoError(t, os.Remove(meta))
	require.NoError(t, os.MkdirAll(filepath.Join(meta, "blocked"), 0o755))

	require.NoError(t, e.Run(context.Background(), nil))
	assert.Equal(t, 0, waitExit(t, e))
	assert.Equal(t, StatusFinished, e.Status(), "bookkeeping failures do not change the outcome")

	out := logs.String()
	assert.Contains(t, out, `"message":"metadata_write_failed"`)
	assert.Contains(t, out, `"status":"finished"`)
}
