// Package launcher resolves where and how a task instance runs and starts it
// through the experiment wrapper.
package launcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/experiment"
	"github.com/msageha/exprun/internal/model"
	"github.com/msageha/exprun/internal/plan"
)

// Handle is a started task process as seen by the scheduling loop.
type Handle interface {
	// Poll reports the exit code without blocking.
	Poll() (code int, exited bool)
	Terminate() error
	Kill() error
	Wait(timeout time.Duration) bool
	Status() experiment.Status
	MarkError(reason string) error
	AppendLog(msg string) error
	WorkDir() string
	RunID() string
}

// StarterFunc creates and starts a handle. Tests replace it with fakes.
type StarterFunc func(ctx context.Context, opts experiment.Options, env map[string]string) (Handle, error)

// Launcher turns a TaskInstance into a running Handle.
type Launcher struct {
	configDir string
	baseDir   string
	starter   StarterFunc
	logger    zerolog.Logger
}

// New returns a Launcher resolving relative paths against configDir and
// placing work directories under baseDir unless a definition overrides it.
func New(configDir, baseDir string, logger zerolog.Logger) *Launcher {
	return &Launcher{
		configDir: configDir,
		baseDir:   baseDir,
		starter:   startExperiment,
		logger:    logger,
	}
}

// SetStarter replaces the process starter.
func (l *Launcher) SetStarter(s StarterFunc) {
	l.starter = s
}

// Options computes the wrapper options for inst: base_dir and cwd overrides
// resolve against the config dir, cwd defaults to the config dir.
func (l *Launcher) Options(inst *model.TaskInstance) experiment.Options {
	d := inst.Definition
	baseDir := l.baseDir
	if d.BaseDir != "" {
		baseDir = plan.ResolvePath(l.configDir, d.BaseDir)
	}
	cwd := l.configDir
	if d.Cwd != "" {
		cwd = plan.ResolvePath(l.configDir, d.Cwd)
	}
	return experiment.Options{
		BaseDir:     baseDir,
		Name:        d.Name,
		Command:     d.Command,
		GPUIDs:      d.GPUIDs,
		Cwd:         cwd,
		Tags:        d.Tags,
		Resume:      d.Resume,
		Description: d.Description,
		Logger:      l.logger.With().Str("task", inst.ID).Logger(),
	}
}

// Environment returns the per-task overrides passed on top of the wrapper's
// own variables.
func (l *Launcher) Environment(inst *model.TaskInstance) map[string]string {
	env := make(map[string]string, len(inst.Definition.Environment)+2)
	for k, v := range inst.Definition.Environment {
		env[k] = v
	}
	env["EXP_TASK_ID"] = inst.ID
	env["EXP_ATTEMPT"] = strconv.Itoa(inst.Attempt)
	return env
}

// Launch starts inst. The caller has already incremented the attempt.
func (l *Launcher) Launch(ctx context.Context, inst *model.TaskInstance) (Handle, error) {
	opts := l.Options(inst)
	h, err := l.starter(ctx, opts, l.Environment(inst))
	if err != nil {
		return nil, fmt.Errorf("launch %s (%s): %w", inst.Definition.Name, inst.ID, err)
	}

	if inst.Definition.DelaySeconds > 0 {
		l.appendLog(h, inst, fmt.Sprintf("startup delay %gs applied (attempt=%d)", inst.Definition.DelaySeconds, inst.Attempt))
	}
	l.appendLog(h, inst, fmt.Sprintf("schedule attempt=%d task=%s", inst.Attempt, inst.ID))
	return h, nil
}

func (l *Launcher) appendLog(h Handle, inst *model.TaskInstance, msg string) {
	if err := h.AppendLog(msg); err != nil {
		l.logger.Warn().Str("task", inst.ID).Err(err).Msg("append_task_log_failed")
	}
}

func startExperiment(ctx context.Context, opts experiment.Options, env map[string]string) (Handle, error) {
	exp, err := experiment.New(opts)
	if err != nil {
		return nil, err
	}
	if err := exp.Run(ctx, env); err != nil {
		return nil, err
	}
	return exp, nil
}
