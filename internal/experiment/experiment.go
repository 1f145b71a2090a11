// Package experiment runs one task command inside its own work directory,
// capturing its terminal output and tracking a task-level status next to the
// process exit code.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/atomicfile"
	"github.com/msageha/exprun/internal/model"
)

// Status is the task-level status reported by the wrapper.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

const (
	TerminalLogsDir  = "terminal_logs"
	MetricsDir       = "metrics"
	MetadataFileName = "metadata.json"

	dirTimeLayout = "2006-01-02__15-04-05"
)

var runIDPattern = regexp.MustCompile(`^run_(\d{4,})\.log$`)

// Options describes the experiment to prepare.
type Options struct {
	BaseDir     string
	Name        string
	Command     string
	GPUIDs      []int
	Cwd         string
	Tags        []string
	Resume      string
	Description string

	// Now defaults to time.Now.
	Now func() time.Time
	// Logger receives metadata write failures; the zero value discards them.
	Logger zerolog.Logger
}

// RunInfo is one execution recorded in metadata.json.
type RunInfo struct {
	RunID      string  `json:"run_id"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	ExitCode   *int    `json:"exit_code"`
}

// Metadata is persisted as <work_dir>/metadata.json.
type Metadata struct {
	Name         string    `json:"name"`
	Command      string    `json:"command"`
	Tags         []string  `json:"tags"`
	GPUIDs       []int     `json:"gpu_ids"`
	Cwd          string    `json:"cwd"`
	Description  string    `json:"description,omitempty"`
	Resume       string    `json:"resume,omitempty"`
	Status       Status    `json:"status"`
	CurrentRunID string    `json:"current_run_id"`
	Timestamp    string    `json:"timestamp"`
	Error        string    `json:"error,omitempty"`
	Runs         []RunInfo `json:"runs"`
}

// Experiment owns one work directory and at most one running process.
type Experiment struct {
	mu      sync.Mutex
	opts    Options
	workDir string
	runID   string
	meta    Metadata

	cmd      *exec.Cmd
	exitCode *int
	done     chan struct{}
}

// New creates (or, with Resume, reuses) the work directory and assigns the
// next run id.
func New(opts Options) (*Experiment, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("experiment name is required")
	}
	if strings.TrimSpace(opts.Command) == "" {
		return nil, errors.New("experiment command is required")
	}
	if err := os.MkdirAll(opts.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	now := opts.Now()
	var (
		workDir string
		meta    Metadata
		err     error
	)
	if opts.Resume != "" {
		workDir, meta, err = resumeDir(opts)
	} else {
		workDir, err = claimDir(opts.BaseDir, opts.Name, now)
		meta.Timestamp = now.Format(dirTimeLayout)
	}
	if err != nil {
		return nil, err
	}

	for _, sub := range []string{TerminalLogsDir, MetricsDir} {
		if err := os.MkdirAll(filepath.Join(workDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	runID, err := nextRunID(filepath.Join(workDir, TerminalLogsDir))
	if err != nil {
		return nil, err
	}

	meta.Name = opts.Name
	meta.Command = opts.Command
	meta.Tags = nonNil(opts.Tags)
	meta.GPUIDs = nonNilInts(opts.GPUIDs)
	meta.Cwd = opts.Cwd
	meta.Description = opts.Description
	meta.Resume = opts.Resume
	meta.Status = StatusPending
	meta.CurrentRunID = runID
	meta.Error = ""
	if meta.Runs == nil {
		meta.Runs = []RunInfo{}
	}

	e := &Experiment{
		opts:    opts,
		workDir: workDir,
		runID:   runID,
		meta:    meta,
		done:    make(chan struct{}),
	}
	if err := e.saveLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// claimDir creates <base>/<name>_<timestamp>, adding a numeric suffix when
// another instance claimed the same second.
func claimDir(baseDir, name string, now time.Time) (string, error) {
	stem := fmt.Sprintf("%s_%s", sanitizeName(name), now.Format(dirTimeLayout))
	for i := 0; i < 1000; i++ {
		candidate := stem
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", stem, i)
		}
		dir := filepath.Join(baseDir, candidate)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create work dir: %w", err)
		}
	}
	return "", fmt.Errorf("create work dir: too many experiments named %q in one second", name)
}

func resumeDir(opts Options) (string, Metadata, error) {
	dir := opts.Resume
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(opts.BaseDir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("resume %s: %w", opts.Resume, err)
	}
	if !info.IsDir() {
		return "", Metadata{}, fmt.Errorf("resume %s: not a directory", opts.Resume)
	}

	var meta Metadata
	if err := atomicfile.ReadJSON(filepath.Join(dir, MetadataFileName), &meta); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", Metadata{}, fmt.Errorf("resume %s: %w", opts.Resume, err)
	}
	if meta.Timestamp == "" {
		meta.Timestamp = info.ModTime().Format(dirTimeLayout)
	}
	return dir, meta, nil
}

func nextRunID(logDir string) (string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return "", fmt.Errorf("scan terminal logs: %w", err)
	}
	highest := 0
	for _, e := range entries {
		m := runIDPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("run_%04d", highest+1), nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
}

func (e *Experiment) WorkDir() string { return e.workDir }
func (e *Experiment) RunID() string   { return e.runID }

// LogPath is terminal_logs/<run_id>.log.
func (e *Experiment) LogPath() string {
	return filepath.Join(e.workDir, TerminalLogsDir, e.runID+".log")
}

func (e *Experiment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta.Status
}

// Env returns the variables layered on top of the parent environment:
// CUDA_VISIBLE_DEVICES, EXP_WORK_DIR, EXP_RUN_ID, EXP_NAME, then extra.
func (e *Experiment) Env(extra map[string]string) []string {
	var env []string
	if len(e.opts.GPUIDs) > 0 {
		ids := make([]string, len(e.opts.GPUIDs))
		for i, id := range e.opts.GPUIDs {
			ids[i] = strconv.Itoa(id)
		}
		env = append(env, "CUDA_VISIBLE_DEVICES="+strings.Join(ids, ","))
	}
	env = append(env,
		"EXP_WORK_DIR="+e.workDir,
		"EXP_RUN_ID="+e.runID,
		"EXP_NAME="+e.opts.Name,
	)
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// Run starts the command in the background. The process runs in its own
// process group with stdout and stderr appended to LogPath.
func (e *Experiment) Run(ctx context.Context, extraEnv map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return errors.New("experiment already started")
	}

	logFile, err := os.OpenFile(e.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return e.failStartLocked(fmt.Errorf("open terminal log: %w", err))
	}

	cmd := shellCommand(e.opts.Command)
	cmd.Dir = e.opts.Cwd
	cmd.Env = append(os.Environ(), e.Env(extraEnv)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return e.failStartLocked(fmt.Errorf("start %q: %w", e.opts.Command, err))
	}

	e.cmd = cmd
	e.meta.Status = StatusRunning
	e.meta.Runs = append(e.meta.Runs, RunInfo{
		RunID:     e.runID,
		StartedAt: model.FormatTimestamp(e.opts.Now()),
	})
	e.persistLocked()

	go e.reap(cmd, logFile)
	return nil
}

func (e *Experiment) failStartLocked(err error) error {
	e.meta.Status = StatusError
	e.meta.Error = err.Error()
	e.persistLocked()
	return err
}

// reap waits for the process and records the outcome before Poll can
// observe the exit.
func (e *Experiment) reap(cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	logFile.Close()

	e.mu.Lock()
	e.exitCode = &code
	if e.meta.Status != StatusError {
		if code == 0 {
			e.meta.Status = StatusFinished
		} else {
			e.meta.Status = StatusError
			e.meta.Error = fmt.Sprintf("exit code %d", code)
		}
	}
	if n := len(e.meta.Runs); n > 0 {
		finished := model.FormatTimestamp(e.opts.Now())
		e.meta.Runs[n-1].FinishedAt = &finished
		e.meta.Runs[n-1].ExitCode = &code
	}
	e.persistLocked()
	e.mu.Unlock()

	close(e.done)
}

// Poll reports the exit code once the process has exited and its status
// has been recorded.
func (e *Experiment) Poll() (int, bool) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return *e.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the process exits or timeout elapses.
func (e *Experiment) Wait(timeout time.Duration) bool {
	if !e.started() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate asks the whole process group to stop.
func (e *Experiment) Terminate() error {
	if !e.started() || e.exited() {
		return nil
	}
	return terminateGroup(e.cmd)
}

// Kill forcefully stops the whole process group.
func (e *Experiment) Kill() error {
	if !e.started() || e.exited() {
		return nil
	}
	return killGroup(e.cmd)
}

// MarkError overrides the task status with an error reason, e.g. after an
// operator terminated the task.
func (e *Experiment) MarkError(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta.Status = StatusError
	e.meta.Error = reason
	return e.saveLocked()
}

// AppendLog writes a timestamped line to the current run log.
func (e *Experiment) AppendLog(msg string) error {
	f, err := os.OpenFile(e.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open terminal log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] %s\n", e.opts.Now().Format("2006-01-02 15:04:05"), msg)
	return err
}

func (e *Experiment) started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil
}

func (e *Experiment) exited() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// persistLocked saves metadata for bookkeeping that must not fail the run.
func (e *Experiment) persistLocked() {
	if err := e.saveLocked(); err != nil {
		e.opts.Logger.Warn().Str("work_dir", e.workDir).Str("run_id", e.runID).
			Str("status", string(e.meta.Status)).Err(err).Msg("metadata_write_failed")
	}
}

func (e *Experiment) saveLocked() error {
	if err := atomicfile.WriteJSON(filepath.Join(e.workDir, MetadataFileName), e.meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
