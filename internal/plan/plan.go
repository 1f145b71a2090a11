// Package plan loads the scheduler configuration and expands experiment
// definitions into the ordered queue of task instances.
package plan

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/exprun/internal/model"
)

// Plan is a loaded configuration file.
type Plan struct {
	Path      string
	ConfigDir string
	Config    model.Config

	// BaseDir is scheduler.base_experiment_dir resolved against ConfigDir.
	BaseDir     string
	Definitions []model.TaskDefinition
}

type fileConfig struct {
	model.Config `yaml:",inline"`
	Experiments  []map[string]any `yaml:"experiments"`
}

// StateDir returns <base_experiment_dir>/.exp_state.
func (p *Plan) StateDir() string {
	return filepath.Join(p.BaseDir, model.StateDirName)
}

// Load reads a YAML config file. Any invalid definition fails the whole load;
// the returned *ConfigError lists every problem found.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return Parse(data, filepath.Dir(abs), abs)
}

// Parse decodes config bytes. configDir anchors relative paths.
func Parse(data []byte, configDir, path string) (*Plan, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.Config.ApplyDefaults()

	ce := &ConfigError{Path: path}
	baseDir := strings.TrimSpace(fc.Scheduler.BaseExperimentDir)
	if baseDir == "" {
		ce.Scheduler.Add("scheduler.base_experiment_dir", "is required")
	}

	defs := make([]model.TaskDefinition, 0, len(fc.Experiments))
	for i, raw := range fc.Experiments {
		def, err := parseDefinition(raw)
		if err != nil {
			ce.Definitions = append(ce.Definitions, err.withIndex(i+1))
			continue
		}
		defs = append(defs, def)
	}
	if ce.HasErrors() {
		return nil, ce
	}

	return &Plan{
		Path:        path,
		ConfigDir:   configDir,
		Config:      fc.Config,
		BaseDir:     ResolvePath(configDir, baseDir),
		Definitions: defs,
	}, nil
}

type definitionErrors struct {
	name string
	ve   *ValidationErrors
}

func (d *definitionErrors) withIndex(index int) *DefinitionError {
	return &DefinitionError{Index: index, Name: d.name, Err: d.ve}
}

func parseDefinition(raw map[string]any) (model.TaskDefinition, *definitionErrors) {
	var ve ValidationErrors
	def := model.TaskDefinition{Repeats: 1}

	def.Name = requiredString(&ve, raw, "name")
	def.Command = requiredString(&ve, raw, "command")

	if v, ok := raw["priority"]; ok && v != nil {
		n, err := toInt(v)
		if err != nil {
			ve.Addf("priority", "%v", err)
		}
		def.Priority = n
	}

	switch tags := raw["tags"].(type) {
	case nil:
		def.Tags = []string{}
	case []any:
		def.Tags = make([]string, 0, len(tags))
		for i, t := range tags {
			s, err := toScalarString(t)
			if err != nil {
				ve.Addf(fmt.Sprintf("tags[%d]", i), "%v", err)
				continue
			}
			def.Tags = append(def.Tags, s)
		}
	default:
		ve.Add("tags", "must be a list")
	}

	gpus, err := parseGPUIDs(raw["gpu_ids"])
	if err != nil {
		ve.Addf("gpu_ids", "%v", err)
	}
	def.GPUIDs = gpus

	def.Cwd = optionalString(&ve, raw, "cwd")
	def.BaseDir = optionalString(&ve, raw, "base_dir")
	def.Resume = optionalString(&ve, raw, "resume")
	def.Description = optionalString(&ve, raw, "description")

	switch env := raw["environment"].(type) {
	case nil:
		def.Environment = map[string]string{}
	case map[string]any:
		def.Environment = make(map[string]string, len(env))
		for k, v := range env {
			s, err := toScalarString(v)
			if err != nil {
				ve.Addf("environment."+k, "%v", err)
				continue
			}
			def.Environment[k] = s
		}
	default:
		ve.Add("environment", "must be a mapping")
	}

	if v, ok := raw["repeats"]; ok && v != nil {
		n, err := toInt(v)
		if err != nil {
			ve.Addf("repeats", "%v", err)
		}
		def.Repeats = n
	}
	if v, ok := raw["max_retries"]; ok && v != nil {
		n, err := toInt(v)
		if err != nil {
			ve.Addf("max_retries", "%v", err)
		}
		def.MaxRetries = n
	}
	if v, ok := raw["delay_seconds"]; ok && v != nil {
		f, err := toFloat(v)
		if err != nil {
			ve.Addf("delay_seconds", "%v", err)
		}
		def.DelaySeconds = f
	}

	if ve.HasErrors() {
		return model.TaskDefinition{}, &definitionErrors{name: def.Name, ve: &ve}
	}
	return def, nil
}

func requiredString(ve *ValidationErrors, raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		ve.Add(key, "is required")
		return ""
	}
	s, err := toScalarString(v)
	if err != nil {
		ve.Addf(key, "%v", err)
		return ""
	}
	if strings.TrimSpace(s) == "" {
		ve.Add(key, "must not be empty")
	}
	return s
}

func optionalString(ve *ValidationErrors, raw map[string]any, key string) string {
	s, err := toScalarString(raw[key])
	if err != nil {
		ve.Addf(key, "%v", err)
	}
	return s
}

// ResolvePath expands a leading ~ and anchors relative paths at dir.
func ResolvePath(dir, p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

// SortByPriority orders definitions by descending priority, keeping file
// order for ties.
func SortByPriority(defs []model.TaskDefinition) []model.TaskDefinition {
	sorted := slices.Clone(defs)
	slices.SortStableFunc(sorted, func(a, b model.TaskDefinition) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return sorted
}

// Expand sorts the definitions and turns each into max(1, repeats)
// independent pending instances with repeats reset to 1 and attempt 0.
func Expand(defs []model.TaskDefinition, ids *model.IDGenerator, now time.Time) []*model.TaskInstance {
	var out []*model.TaskInstance
	for _, def := range SortByPriority(defs) {
		n := max(1, def.Repeats)
		for range n {
			clone := def.Clone()
			clone.Repeats = 1
			out = append(out, &model.TaskInstance{
				ID:         ids.Next(),
				Definition: clone,
				Order:      len(out),
				Status:     model.StatusPending,
				RawStatus:  string(model.StatusPending),
				CreatedAt:  now,
			})
		}
	}
	return out
}

// WritePlan prints the dry-run listing of the expanded queue.
func WritePlan(w io.Writer, instances []*model.TaskInstance) {
	fmt.Fprintln(w, "schedule plan (dry-run)")
	for i, inst := range instances {
		resume := inst.Definition.Resume
		if resume == "" {
			resume = "-"
		}
		fmt.Fprintf(w, "[%02d] name=%s, priority=%d, command=%s, resume=%s\n",
			i+1, inst.Definition.Name, inst.Definition.Priority, inst.Definition.Command, resume)
	}
}

// IsValidationError reports whether err came from config validation.
func IsValidationError(err error) bool {
	var ce *ConfigError
	var ve *ValidationErrors
	var de *DefinitionError
	return errors.As(err, &ce) || errors.As(err, &ve) || errors.As(err, &de)
}
